package app

import (
	"log/slog"
	"os"
	"strings"
)

// secretKeys are attribute names whose values never reach the log stream.
var secretKeys = map[string]struct{}{
	"dsn":       {},
	"api_key":   {},
	"token":     {},
	"password":  {},
	"macaroon":  {},
	"seed":      {},
	"secret":    {},
	"authority": {},
}

// NewLogger builds the process logger: JSON for services, text for
// interactive use, secrets redacted either way.
func NewLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redactSecrets,
	}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if _, ok := secretKeys[key]; ok {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}
