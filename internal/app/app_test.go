package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/config"
)

// mockCloser mocks a backend with a Close method.
type mockCloser struct {
	mock.Mock
}

func (m *mockCloser) Close() error {
	args := m.Called()
	return args.Error(0)
}

func sourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Query().Get("slug")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w,
			`{"statusCode":200,"data":{"_id":"id-%s","slug":%q,"en":{"basicDetails":{"schemeName":"Scheme %s"}}}}`,
			slug, slug, slug)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(apiBaseURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownSeconds: 5},
		DB:     config.DBConfig{Backend: config.BackendMemory},
		Crawler: config.CrawlerConfig{
			BatchSize:    10,
			Locale:       "en",
			Seeds:        []string{"alpha", "beta"},
			RecoverStale: true,
		},
		Source: config.SourceConfig{
			APIBaseURL: apiBaseURL,
			Collection: "schemes",
		},
		HTTP:      config.HTTPConfig{TimeoutSeconds: 5, MaxRetries: 1},
		Discovery: config.DiscoveryConfig{Mode: config.DiscoveryStatic},
		Archive:   config.ArchiveConfig{Backend: config.BackendNone, Prefix: "raw"},
	}
}

func TestNew_MemoryBackendRunsJobEndToEnd(t *testing.T) {
	t.Parallel()

	src := sourceServer(t)
	cfg := testConfig(src.URL)
	cfg.Archive = config.ArchiveConfig{Backend: config.BackendLocal, Dir: t.TempDir(), Prefix: "raw"}

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/crawler/start", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started struct {
		JobID     string `json:"job_id"`
		BatchSize int    `json:"batch_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, 10, started.BatchSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Controller().Wait(ctx, started.JobID))

	job, err := a.Controller().Job(ctx, started.JobID)
	require.NoError(t, err)
	require.Equal(t, "completed", string(job.Status))
	require.Equal(t, 2, job.SuccessCount)
	require.Equal(t, 2, job.TotalFetched)

	_, err = os.Stat(filepath.Join(cfg.Archive.Dir, "raw", started.JobID, "alpha.json"))
	require.NoError(t, err)
}

func TestNew_ConfigErrors(t *testing.T) {
	t.Parallel()

	fileDir := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(fileDir, []byte("x"), 0o600))

	cases := map[string]func(*config.Config){
		"postgres without dsn": func(c *config.Config) {
			c.DB = config.DBConfig{Backend: config.BackendPostgres}
		},
		"unknown db backend": func(c *config.Config) {
			c.DB.Backend = "sqlite"
		},
		"unknown archive backend": func(c *config.Config) {
			c.Archive.Backend = "ftp"
		},
		"unusable local archive": func(c *config.Config) {
			c.Archive = config.ArchiveConfig{Backend: config.BackendLocal, Dir: fileDir}
		},
		"bad cron": func(c *config.Config) {
			c.Scheduler = config.SchedulerConfig{Enabled: true, Cron: "every tuesday"}
		},
		"bad api url": func(c *config.Config) {
			c.Source.APIBaseURL = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig("http://127.0.0.1:1/schemes")
			mutate(&cfg)

			a, err := New(context.Background(), cfg, zap.NewNop())
			assert.Error(t, err)
			assert.Nil(t, a)
		})
	}
}

func TestBuildDiscoverer_Modes(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://example.invalid")
	cfg.Discovery.Mode = config.DiscoveryStatic
	slugs, err := buildDiscoverer(cfg, zap.NewNop()).Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, slugs)

	cfg.Discovery.Mode = config.DiscoverySitemap
	require.NotNil(t, buildDiscoverer(cfg, zap.NewNop()))

	cfg.Discovery.Mode = config.DiscoveryBrowser
	require.NotNil(t, buildDiscoverer(cfg, zap.NewNop()))
}

func TestServeListener_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(sourceServer(t).URL)
	cfg.Scheduler = config.SchedulerConfig{Enabled: true, Cron: "@yearly"}
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.ServeListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApp_Close(t *testing.T) {
	t.Parallel()

	first := new(mockCloser)
	second := new(mockCloser)
	var order []string
	first.On("Close").Run(func(mock.Arguments) { order = append(order, "first") }).Return(nil).Once()
	second.On("Close").Run(func(mock.Arguments) { order = append(order, "second") }).Return(nil).Once()

	a := &App{logger: zap.NewNop(), closers: []closer{first, second}}
	a.Close()
	a.Close()

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestApp_Close_WithErrors(t *testing.T) {
	t.Parallel()

	failing := new(mockCloser)
	failing.On("Close").Return(errors.New("close failed")).Once()
	healthy := new(mockCloser)
	healthy.On("Close").Return(nil).Once()

	a := &App{logger: zap.NewNop(), closers: []closer{healthy, failing}}
	assert.NotPanics(t, a.Close)

	failing.AssertExpectations(t)
	healthy.AssertExpectations(t)
}

func TestRunOnce_CompletesJob(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(sourceServer(t).URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := a.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "completed", string(job.Status))
	require.Equal(t, 2, job.SuccessCount)

	_, err = a.RunOnce(ctx, 5)
	require.Error(t, err)
}

func TestRunOnce_CancelStopsJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		slug := r.URL.Query().Get("slug")
		_, _ = fmt.Fprintf(w, `{"statusCode":200,"data":{"_id":"id-%s","slug":%q}}`, slug, slug)
	}))
	t.Cleanup(src.Close)
	t.Cleanup(func() { close(release) })

	a, err := New(context.Background(), testConfig(src.URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(400 * time.Millisecond)
		release <- struct{}{}
	}()

	job, err := a.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.True(t, job.Status.Terminal())
	require.NotEqual(t, "completed", string(job.Status))
}
