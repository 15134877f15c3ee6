package app

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/rag"
)

func mockConfig() config.Config {
	cfg := config.Default()
	cfg.MockMode = true
	cfg.Adapters.RedisAddr = ""
	cfg.Telemetry.Skip = true
	cfg.Embedding.Dim = 32
	return cfg
}

func newMockApp(t *testing.T) *App {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	a, err := New(ctx, mockConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestMockModeComesUpReady(t *testing.T) {
	a := newMockApp(t)

	idx, err := a.Manager.Current()
	require.NoError(t, err)
	assert.Equal(t, a.Cfg.Embedding.Version, idx.EmbedVersion)
	assert.NotNil(t, a.Mock)
}

func TestLiveModeComesUpReadyWithEmptyStore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test")
	cfg := mockConfig()
	cfg.MockMode = false

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	// An empty corpus still yields a ready index, so readiness passes and
	// retrieval returns no hits instead of an error.
	idx, err := a.Manager.Current()
	require.NoError(t, err)
	assert.Equal(t, cfg.Embedding.Version, idx.EmbedVersion)
	assert.Zero(t, idx.Len())
}

func TestMockModeRetrievesDemoCorpus(t *testing.T) {
	a := newMockApp(t)

	hits, err := a.Retriever.Retrieve(context.Background(), "fee rate rebalancing", rag.Filters{}, 4)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestMockModeGeneratesDailyReport(t *testing.T) {
	a := newMockApp(t)
	ctx := context.Background()

	user, err := a.Store.GetUser(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, DemoNodePubkey, user.LightningPubkey)

	rep, err := a.Generator.Generate(ctx, *user, ln.ReportDate(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, ln.ReportSucceeded, rep.GenerationStatus)
	assert.Len(t, rep.Sections, 5)
}

func TestSeedDemoNetworkSnapshotIsValid(t *testing.T) {
	a := newMockApp(t)
	ctx := context.Background()

	snap, err := a.Mock.FetchNodeSnapshot(ctx, DemoNodePubkey)
	require.NoError(t, err)
	assert.True(t, snap.Valid())

	channels, err := a.Mock.FetchChannels(ctx, DemoNodePubkey)
	require.NoError(t, err)
	assert.Len(t, channels, 4)
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactSecrets}))
	log.Info("connecting", "dsn", "postgres://user:pw@db/x", "target", "db")

	out := buf.String()
	assert.Contains(t, out, "[redacted]")
	assert.NotContains(t, out, "postgres://user:pw@db/x")
	assert.Contains(t, out, "target=db")
}
