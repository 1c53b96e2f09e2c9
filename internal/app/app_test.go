package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/bandcamp-crawler/internal/config"
	"github.com/JakeFAU/bandcamp-crawler/internal/crawler"
)

// MockStore mocks crawler.Store for lifecycle tests.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) VisitedURLs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) PendingURLs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) WithinTx(ctx context.Context, fn func(tx crawler.StoreTx) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

func (m *MockStore) Counts(ctx context.Context) (crawler.StoreCounts, error) {
	args := m.Called(ctx)
	return args.Get(0).(crawler.StoreCounts), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Crawler: config.CrawlerConfig{
			Concurrency:    2,
			ExtractTimeout: time.Minute,
			UserAgent:      "test-agent",
			ReferralParams: crawler.DefaultReferralParams,
		},
		Retry:      config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		Classifier: config.ClassifierConfig{Rules: crawler.DefaultClassifierRules},
		Fetch:      config.FetchConfig{Timeout: time.Second, MaxCollection: 100},
		Storage:    config.StorageConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "crawl.db")},
		Archive:    config.ArchiveConfig{Provider: config.ArchiveNone},
	}
}

func gatheredNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewWithSQLiteAndLocalArchive(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Archive = config.ArchiveConfig{Provider: config.ArchiveLocal, BaseDir: filepath.Join(t.TempDir(), "pages")}
	cfg.Progress.LogEvents = true
	reg := prometheus.NewRegistry()

	a, err := New(context.Background(), cfg, zap.NewNop(), Options{Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.NotEqual(t, [16]byte{}, [16]byte(a.SessionID()))
	assert.NotNil(t, a.archive)
	assert.Nil(t, a.headless)
	assert.Equal(t, cfg.Storage.SQLitePath, a.Config().Storage.SQLitePath)

	counts, err := a.Store().Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.StoreCounts{}, counts)

	engine, err := a.NewEngine()
	require.NoError(t, err)
	assert.Equal(t, 0, engine.Stats().Units())

	names := gatheredNames(t, reg)
	assert.True(t, names["bandcamp_store_up"])
}

func TestNewWithGCSArchive(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Archive = config.ArchiveConfig{Provider: config.ArchiveGCS, GCSBucket: "raw-pages", Prefix: "bandcamp"}
	factory := func(ctx context.Context) (*storage.Client, error) {
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}

	a, err := New(context.Background(), cfg, zap.NewNop(), Options{
		Registerer:       prometheus.NewRegistry(),
		GCSClientFactory: factory,
	})
	require.NoError(t, err)
	require.NotNil(t, a.gcsClient)
	require.NotNil(t, a.archive)
	require.NoError(t, a.Close(context.Background()))
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		factory GCSClientFactory
		want    string
	}{
		{
			name:   "invalid config",
			mutate: func(c *config.Config) { c.Crawler.Concurrency = 0 },
			want:   "crawler.concurrency",
		},
		{
			name: "gcs client failure",
			mutate: func(c *config.Config) {
				c.Archive = config.ArchiveConfig{Provider: config.ArchiveGCS, GCSBucket: "b"}
			},
			factory: func(context.Context) (*storage.Client, error) {
				return nil, errors.New("no credentials")
			},
			want: "no credentials",
		},
		{
			name: "unwritable sqlite path",
			mutate: func(c *config.Config) {
				c.Storage.SQLitePath = filepath.Join(t.TempDir(), "missing", "dir", "crawl.db")
			},
			want: "sqlite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, nil, Options{
				Registerer:       prometheus.NewRegistry(),
				GCSClientFactory: tt.factory,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCloseReportsStoreError(t *testing.T) {
	t.Parallel()

	store := new(MockStore)
	store.On("Close").Return(errors.New("disk full")).Once()

	a := &App{logger: zap.NewNop(), store: store}
	err := a.Close(context.Background())
	require.ErrorContains(t, err, "disk full")
	store.AssertExpectations(t)
}

func TestClosePartialApp(t *testing.T) {
	t.Parallel()

	a := &App{logger: zap.NewNop()}
	require.NoError(t, a.Close(context.Background()))
}
