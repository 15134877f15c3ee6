package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
)

func testCaller(t *testing.T, target string) *Caller {
	t.Helper()
	acfg := config.AdapterConfig{CallTimeout: 2 * time.Second, MaxRetries: 1}
	bcfg := config.BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		ResetTimeout:      100 * time.Millisecond,
		HalfOpenMaxProbes: 1,
	}
	return NewCaller(target, acfg, bcfg, metrics.New(), nil)
}

func TestBreakerTripAndRecover(t *testing.T) {
	c := testCaller(t, "node_ctl")
	ctx := context.Background()
	boom := faults.Transient("Call", "node_ctl", errors.New("502"))

	// Five consecutive failures flip the breaker open.
	for i := 0; i < 5; i++ {
		err := c.Do(ctx, "Call", func(context.Context) error { return boom })
		require.Error(t, err)
	}
	assert.Equal(t, metrics.BreakerOpen, c.Breaker.State())

	// Sixth call fails fast with Unavailable.
	err := c.Do(ctx, "Call", func(context.Context) error { return nil })
	assert.Equal(t, faults.KindUnavailable, faults.KindOf(err))

	// After the reset timeout a single probe is admitted; success closes.
	time.Sleep(150 * time.Millisecond)
	err = c.Do(ctx, "Call", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, metrics.BreakerClosed, c.Breaker.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	c := testCaller(t, "node_source")
	ctx := context.Background()
	boom := faults.Transient("Call", "node_source", errors.New("down"))

	for i := 0; i < 5; i++ {
		_ = c.Do(ctx, "Call", func(context.Context) error { return boom })
	}
	assert.Equal(t, metrics.BreakerOpen, c.Breaker.State())

	time.Sleep(150 * time.Millisecond)
	_ = c.Do(ctx, "Call", func(context.Context) error { return boom })
	assert.Equal(t, metrics.BreakerOpen, c.Breaker.State())
}

func TestPermanentFaultsDoNotTripBreaker(t *testing.T) {
	c := testCaller(t, "llm")
	ctx := context.Background()
	bad := faults.Permanent("Call", "llm", errors.New("schema"))

	for i := 0; i < 10; i++ {
		err := c.Do(ctx, "Call", func(context.Context) error { return bad })
		assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
	}
	assert.Equal(t, metrics.BreakerClosed, c.Breaker.State())
}

func TestCallerRetriesTransientOnly(t *testing.T) {
	acfg := config.AdapterConfig{CallTimeout: time.Second, MaxRetries: 3}
	c := NewCaller("node_source", acfg, defaultBreakerConfig(), metrics.New(), nil)
	ctx := context.Background()

	attempts := 0
	err := c.Do(ctx, "Call", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return faults.Transient("Call", "node_source", errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = c.Do(ctx, "Call", func(context.Context) error {
		attempts++
		return faults.Permanent("Call", "node_source", errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRedisKVRoundTripAndPatternInvalidation(t *testing.T) {
	srv := miniredis.RunT(t)
	kv := NewRedisKV(srv.Addr(), testCaller(t, "kv"))
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "retrieval:v1:abc", []byte("hits"), time.Hour))
	require.NoError(t, kv.Set(ctx, "retrieval:v1:def", []byte("hits"), time.Hour))
	require.NoError(t, kv.Set(ctx, "retrieval:v2:abc", []byte("hits"), time.Hour))

	val, err := kv.Get(ctx, "retrieval:v1:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("hits"), val)

	n, err := kv.DelPattern(ctx, "retrieval:v1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = kv.Get(ctx, "retrieval:v1:abc")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
	_, err = kv.Get(ctx, "retrieval:v2:abc")
	require.NoError(t, err)
}

func TestHTTPNodeSourceMapsStatuses(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"node_pubkey":"pk","capacity_sat":100,"local_balance_sat":40,"remote_balance_sat":50,"num_channels_active":1,"num_channels_total":2,"centrality_score":0.5,"routing_success_rate":0.9,"reputation_score":0.8,"uptime_ratio":0.99,"fee_stats":{}}`))
		}
	}))
	defer srv.Close()

	src := NewHTTPNodeSource(srv.URL, testCaller(t, "node_source"))
	ctx := context.Background()

	status = http.StatusOK
	snap, err := src.FetchNodeSnapshot(ctx, "pk")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.CapacitySat)

	status = http.StatusNotFound
	_, err = src.FetchNodeSnapshot(ctx, "pk")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))

	status = http.StatusBadRequest
	_, err = src.FetchNodeSnapshot(ctx, "pk")
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}

func TestHTTPNodeSourceRejectsInvalidSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// local + remote exceeds capacity
		_, _ = w.Write([]byte(`{"node_pubkey":"pk","capacity_sat":100,"local_balance_sat":80,"remote_balance_sat":50,"fee_stats":{}}`))
	}))
	defer srv.Close()

	src := NewHTTPNodeSource(srv.URL, testCaller(t, "node_source"))
	_, err := src.FetchNodeSnapshot(context.Background(), "pk")
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}

func TestHTTPNodeControlTreatsConflictAsSuccess(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	ctl := NewHTTPNodeControl(srv.URL, testCaller(t, "node_ctl"))
	err := ctl.UpdatePolicy(context.Background(), "dec-1", "ch1", ln.ChannelPolicy{FeeRatePPM: 500})
	require.NoError(t, err)
	assert.Equal(t, "dec-1", gotKey)
}

func TestMockNetworkPolicyRoundTrip(t *testing.T) {
	net := NewMockNetwork()
	net.SeedNode(
		ln.NodeSnapshot{NodePubkey: "pk", CapacitySat: 1000, LocalBalanceSat: 400, RemoteBalanceSat: 500},
		[]ln.ChannelState{{ChannelID: "ch2", NodePubkey: "pk", Policy: ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 400}}},
	)
	ctx := context.Background()

	require.NoError(t, net.UpdatePolicy(ctx, "d1", "ch2", ln.ChannelPolicy{BaseFeeMsat: 500, FeeRatePPM: 200}))
	chans, err := net.FetchChannels(ctx, "pk")
	require.NoError(t, err)
	assert.Equal(t, int64(200), chans[0].Policy.FeeRatePPM)

	// Reversal restores the prior policy byte-for-byte.
	require.NoError(t, net.UpdatePolicy(ctx, "d1-rollback", "ch2", ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 400}))
	chans, _ = net.FetchChannels(ctx, "pk")
	assert.Equal(t, ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 400}, chans[0].Policy)
}

func TestMockEmbedderDeterminism(t *testing.T) {
	emb := MockEmbedder{Dim: 32}
	ctx := context.Background()
	a, err := emb.EmbedQuery(ctx, "channel liquidity")
	require.NoError(t, err)
	b, err := emb.EmbedQuery(ctx, "channel liquidity")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}
