package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitpipe/internal/adapter/repo"
	"fitpipe/internal/infra"
	"fitpipe/internal/infra/credentials"
	"fitpipe/internal/queue"
	"fitpipe/internal/storage"
)

func memoryConfig(t *testing.T) *infra.Config {
	return &infra.Config{
		StoreBackend:           "memory",
		QueueBackend:           "memory",
		StorageBackend:         "filesystem",
		StoragePath:            t.TempDir(),
		StorageBaseURL:         "http://localhost:8080/tmp",
		QueueVisibilityTimeout: 10 * time.Minute,
		QueuePollInterval:      10 * time.Millisecond,
		WorkerConcurrency:      2,
		JobTimeout:             time.Minute,
		WebhookTimeout:         time.Second,
		GradioTimeout:          time.Second,
		ImageTokenPrice:        1,
		VideoTokenPrice:        5,
	}
}

func TestOpenMemoryBackends(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, memoryConfig(t), *infra.NopLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &repo.MemoryJobRepository{}, b.Jobs)
	assert.IsType(t, &repo.MemoryCreditLedger{}, b.Ledger)
	assert.IsType(t, &queue.MemoryQueue{}, b.Queue)
	assert.Nil(t, b.SQL)
	assert.NoError(t, b.Ping(ctx))

	settings, err := b.Settings.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), settings.VideoTokenPrice)
}

func TestNewDispatcherWithFileStore(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	b, err := Open(ctx, cfg, *infra.NopLogger())
	require.NoError(t, err)
	defer b.Close()

	d, err := NewDispatcher(ctx, cfg, b, *infra.NopLogger(), infra.NopMetrics())
	require.NoError(t, err)
	assert.NotNil(t, d)

	temp, err := OpenTempStore(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStore{}, temp)
}

type fakeTokens struct {
	tokens credentials.Tokens
	err    error
}

func (f fakeTokens) GradioTokens(context.Context) (credentials.Tokens, error) {
	return f.tokens, f.err
}

func TestLoadGradioTokensEnvOverridesStoredDefault(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.GradioToken = " hf_env "
	stored := fakeTokens{tokens: credentials.Tokens{Default: "hf_db", BySpace: map[string]string{"acme/avatar": "hf_avatar"}}}

	got := loadGradioTokens(context.Background(), cfg, stored, *infra.NopLogger())
	assert.Equal(t, "hf_env", got.Default)
	assert.Equal(t, "hf_avatar", got.BySpace["acme/avatar"])
}

func TestLoadGradioTokensSurvivesStoreError(t *testing.T) {
	cfg := memoryConfig(t)
	got := loadGradioTokens(context.Background(), cfg, fakeTokens{err: errors.New("relation does not exist")}, *infra.NopLogger())
	assert.Empty(t, got.Default)
	assert.NotNil(t, got.BySpace)

	got = loadGradioTokens(context.Background(), cfg, nil, *infra.NopLogger())
	assert.Empty(t, got.Default)
}
