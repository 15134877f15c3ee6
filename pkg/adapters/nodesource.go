package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// NodeSource fetches live node and channel state from the data provider.
type NodeSource interface {
	FetchNodeSnapshot(ctx context.Context, pubkey string) (*ln.NodeSnapshot, error)
	FetchChannels(ctx context.Context, pubkey string) ([]ln.ChannelState, error)
}

// HTTPNodeSource is the HTTPS client for the node-data provider.
type HTTPNodeSource struct {
	baseURL string
	client  *http.Client
	caller  *Caller
}

// NewHTTPNodeSource builds the provider client rooted at baseURL.
func NewHTTPNodeSource(baseURL string, caller *Caller) *HTTPNodeSource {
	return &HTTPNodeSource{
		baseURL: baseURL,
		client:  &http.Client{},
		caller:  caller,
	}
}

func (s *HTTPNodeSource) FetchNodeSnapshot(ctx context.Context, pubkey string) (*ln.NodeSnapshot, error) {
	var snap ln.NodeSnapshot
	err := s.caller.Do(ctx, "FetchNodeSnapshot", func(ctx context.Context) error {
		return s.getJSON(ctx, "FetchNodeSnapshot", "/v1/nodes/"+url.PathEscape(pubkey), &snap)
	})
	if err != nil {
		return nil, err
	}
	if !snap.Valid() {
		return nil, faults.Permanent("FetchNodeSnapshot", "node_source",
			fmt.Errorf("snapshot for %s violates balance or channel invariants", pubkey))
	}
	return &snap, nil
}

func (s *HTTPNodeSource) FetchChannels(ctx context.Context, pubkey string) ([]ln.ChannelState, error) {
	var channels []ln.ChannelState
	err := s.caller.Do(ctx, "FetchChannels", func(ctx context.Context) error {
		return s.getJSON(ctx, "FetchChannels", "/v1/nodes/"+url.PathEscape(pubkey)+"/channels", &channels)
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *HTTPNodeSource) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return faults.Permanent(op, "node_source", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return faults.Transient(op, "node_source", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		// The provider is rate limited; honor Retry-After before the
		// retry policy re-attempts.
		waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
		return faults.Transient(op, "node_source", fmt.Errorf("rate limited"))
	}
	if resp.StatusCode != http.StatusOK {
		return faults.FromHTTPStatus(op, "node_source", resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Permanent(op, "node_source", err)
	}
	return nil
}

// waitRetryAfter blocks for the server-requested delay, capped at 10s, or
// until ctx is done.
func waitRetryAfter(ctx context.Context, header string) {
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return
	}
	d := time.Duration(secs) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
