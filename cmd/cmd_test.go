package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scheme-crawler/internal/config"
	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

type fakeApp struct {
	job      crawler.Job
	runErr   error
	batches  []int
	served   bool
	closed   bool
	serveErr error
}

func (f *fakeApp) Serve(context.Context) error {
	f.served = true
	return f.serveErr
}

func (f *fakeApp) RunOnce(_ context.Context, batchSize int) (crawler.Job, error) {
	f.batches = append(f.batches, batchSize)
	return f.job, f.runErr
}

func (f *fakeApp) Close() { f.closed = true }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const memoryConfig = `
db:
  backend: memory
crawler:
  batch_size: 25
logging:
  development: false
  level: error
`

func useFakeApp(t *testing.T, fake *fakeApp, factoryErr error) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCmd_UsesConfiguredBatchSize(t *testing.T) {
	fake := &fakeApp{job: crawler.Job{ID: "job-1", Status: crawler.JobStatusCompleted, TotalFetched: 3}}
	useFakeApp(t, fake, nil)

	out, err := execute(t, "crawl", "--config", writeConfig(t, memoryConfig))

	require.NoError(t, err)
	require.Equal(t, []int{25}, fake.batches)
	require.True(t, fake.closed)
	require.Contains(t, out, `"id": "job-1"`)
	require.Contains(t, out, `"status": "completed"`)
}

func TestCrawlCmd_BatchSizeFlag(t *testing.T) {
	fake := &fakeApp{job: crawler.Job{ID: "job-2", Status: crawler.JobStatusStopped}}
	useFakeApp(t, fake, nil)

	_, err := execute(t, "crawl", "--config", writeConfig(t, memoryConfig), "--batch-size", "80")

	require.NoError(t, err)
	require.Equal(t, []int{80}, fake.batches)
}

func TestCrawlCmd_FailedJobReturnsError(t *testing.T) {
	fake := &fakeApp{job: crawler.Job{ID: "job-3", Status: crawler.JobStatusFailed}}
	useFakeApp(t, fake, nil)

	_, err := execute(t, "crawl", "--config", writeConfig(t, memoryConfig))

	require.ErrorContains(t, err, "job-3 failed")
}

func TestCrawlCmd_StartError(t *testing.T) {
	fake := &fakeApp{runErr: &crawler.AlreadyRunningError{CurrentJobID: "job-0"}}
	useFakeApp(t, fake, nil)

	_, err := execute(t, "crawl", "--config", writeConfig(t, memoryConfig))

	var running *crawler.AlreadyRunningError
	require.ErrorAs(t, err, &running)
	require.True(t, fake.closed)
}

func TestServeCmd(t *testing.T) {
	fake := &fakeApp{}
	useFakeApp(t, fake, nil)

	_, err := execute(t, "serve", "--config", writeConfig(t, memoryConfig))

	require.NoError(t, err)
	require.True(t, fake.served)
	require.True(t, fake.closed)
}

func TestServeCmd_AppInitError(t *testing.T) {
	useFakeApp(t, nil, errors.New("boom"))

	_, err := execute(t, "serve", "--config", writeConfig(t, memoryConfig))

	require.ErrorContains(t, err, "init application: boom")
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", writeConfig(t, "db:\n  backend: mongo\n"))

	require.ErrorContains(t, err, "load config")
}

func TestMigrateCmd(t *testing.T) {
	orig := migrate
	t.Cleanup(func() { migrate = orig })
	var got config.DBConfig
	migrate = func(_ context.Context, cfg config.DBConfig) error {
		got = cfg
		return nil
	}

	cfgPath := writeConfig(t, "db:\n  backend: postgres\n  dsn: postgres://localhost/schemes\nlogging:\n  level: error\n")
	_, err := execute(t, "migrate", "--config", cfgPath)
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/schemes", got.DSN)

	_, err = execute(t, "migrate", "--config", writeConfig(t, memoryConfig))
	require.ErrorContains(t, err, "db.backend=postgres")
}

func TestMigrateCmd_Print(t *testing.T) {
	out, err := execute(t, "migrate", "--print", "--config", writeConfig(t, memoryConfig))

	require.NoError(t, err)
	require.Contains(t, out, "CREATE TABLE IF NOT EXISTS crawler_jobs")
}
