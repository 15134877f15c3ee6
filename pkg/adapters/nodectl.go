package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// NodeControl dispatches signed action intents to the node-control daemon.
// The decision id is the idempotency key, so replays after a retry are safe.
type NodeControl interface {
	OpenChannel(ctx context.Context, decisionID, peerPubkey string, amountSat int64) error
	CloseChannel(ctx context.Context, decisionID, channelID string) error
	UpdatePolicy(ctx context.Context, decisionID, channelID string, policy ln.ChannelPolicy) error
}

// HTTPNodeControl talks to the daemon over local or TLS HTTP.
type HTTPNodeControl struct {
	baseURL string
	client  *http.Client
	caller  *Caller
}

// NewHTTPNodeControl builds the daemon client rooted at baseURL.
func NewHTTPNodeControl(baseURL string, caller *Caller) *HTTPNodeControl {
	return &HTTPNodeControl{
		baseURL: baseURL,
		client:  &http.Client{},
		caller:  caller,
	}
}

func (c *HTTPNodeControl) OpenChannel(ctx context.Context, decisionID, peerPubkey string, amountSat int64) error {
	return c.post(ctx, "OpenChannel", decisionID, "/v1/channels/open", map[string]any{
		"peer_pubkey": peerPubkey,
		"amount_sat":  amountSat,
	})
}

func (c *HTTPNodeControl) CloseChannel(ctx context.Context, decisionID, channelID string) error {
	return c.post(ctx, "CloseChannel", decisionID, "/v1/channels/close", map[string]any{
		"channel_id": channelID,
	})
}

func (c *HTTPNodeControl) UpdatePolicy(ctx context.Context, decisionID, channelID string, policy ln.ChannelPolicy) error {
	return c.post(ctx, "UpdatePolicy", decisionID, "/v1/channels/policy", map[string]any{
		"channel_id": channelID,
		"policy":     policy,
	})
}

func (c *HTTPNodeControl) post(ctx context.Context, op, decisionID, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return faults.Invalid(op, "node_ctl", err)
	}
	return c.caller.Do(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return faults.Permanent(op, "node_ctl", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", decisionID)

		resp, err := c.client.Do(req)
		if err != nil {
			return faults.Transient(op, "node_ctl", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusAccepted:
			return nil
		case resp.StatusCode == http.StatusConflict:
			// Idempotent replay; the earlier dispatch won.
			return nil
		default:
			return faults.FromHTTPStatus(op, "node_ctl", resp.StatusCode,
				fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	})
}
