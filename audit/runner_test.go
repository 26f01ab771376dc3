package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockSyslogSender struct {
	mu    sync.Mutex
	calls []mockSyslogCall
	failN int
}

type mockSyslogCall struct {
	appName        string
	structuredData string
	message        string
	timeout        time.Duration
}

func (m *mockSyslogSender) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockSyslogCall{appName: appName, structuredData: structuredData, message: message, timeout: timeout})
	if m.failN > 0 {
		m.failN--
		return errors.New("mock syslog send failure")
	}
	return nil
}

func (m *mockSyslogSender) Calls() []mockSyslogCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSyslogCall(nil), m.calls...)
}

// auditEnv is a fake marketplace CDN plus local and public IPFS gateways.
type auditEnv struct {
	dir     string
	cdn     *recordingServer
	local   *recordingServer
	public  *recordingServer
	source  string
	results string
	errors  string
}

func newAuditEnv(t *testing.T) *auditEnv {
	t.Helper()
	png := solidPNG(t, 24, 24, color.NRGBA{R: 255, A: 255})
	env := &auditEnv{dir: t.TempDir()}
	env.cdn = newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing.png") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})
	env.local = newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ipfs/BAD") {
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte(redSquareSVG))
	})
	env.public = newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	env.source = filepath.Join(env.dir, "events.csv")
	env.results = filepath.Join(env.dir, "results.csv")
	env.errors = filepath.Join(env.dir, "errors.csv")
	return env
}

func (env *auditEnv) writeSource(t *testing.T, rows ...[]string) {
	t.Helper()
	f, err := os.Create(env.source)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write([]string{"event_timestamp", ColAssetID, ColImageURL, ColOriginalURL}))
	for _, r := range rows {
		require.NoError(t, w.Write(append([]string{"2022-01-01T00:00:00"}, r...)))
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, f.Close())
}

func (env *auditEnv) runner(t *testing.T, mutate func(*RunnerConfig)) *Runner {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := RunnerConfig{
		SourcePath:  env.source,
		ResultsPath: env.results,
		ErrorsPath:  env.errors,
		ChunkSize:   2,
		Workers:     3,
		Resolver: NewResolver(ResolverConfig{
			LocalGateway:  env.local.URL,
			PublicGateway: env.public.URL,
			Timeout:       2 * time.Second,
			RetryTimeout:  time.Second,
		}, NewFetcher(FetchConfig{}, nil), logger, nil),
		Normalizer: NewNormalizer(NormalizerConfig{TargetSize: 32, TransparencyGray: 255}),
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func idCounts(rows [][]string, col int) map[string]int {
	out := map[string]int{}
	for _, r := range rows[1:] {
		out[r[col]]++
	}
	return out
}

func TestRunner_EndToEndSuccess(t *testing.T) {
	env := newAuditEnv(t)
	env.writeSource(t, []string{"A1", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"})

	stats, err := env.runner(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Compared)
	assert.Equal(t, 0, stats.Failed)

	results := readCSV(t, env.results)
	require.Len(t, results, 2)
	assert.Equal(t, ResultColumns, results[0])
	assert.Equal(t, "A1", results[1][0])
	assert.Equal(t, "png", results[1][4])
	assert.Equal(t, "svg+xml", results[1][5])
	assert.Nil(t, readCSV(t, env.errors))
	assert.Equal(t, []string{"/ipfs/CID/y.svg"}, env.local.Paths())
}

func TestRunner_OriginalFailsOnBothGateways(t *testing.T) {
	env := newAuditEnv(t)
	env.writeSource(t, []string{"A1", env.cdn.URL + "/x.png", "ipfs://BAD/y.svg"})

	stats, err := env.runner(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	assert.Equal(t, []string{"/ipfs/BAD/y.svg"}, env.local.Paths())
	assert.Equal(t, []string{"/ipfs/BAD/y.svg"}, env.public.Paths())
	assert.Nil(t, readCSV(t, env.results))

	errs := readCSV(t, env.errors)
	require.Len(t, errs, 2)
	assert.Equal(t, []string{"event_timestamp", ColAssetID, ColImageURL, ColOriginalURL, ColErrorType}, errs[0])
	assert.Equal(t, "A1", errs[1][1])
	assert.Equal(t, "ipfs://BAD/y.svg", errs[1][3])
	assert.Equal(t, string(KindDownload), errs[1][4])

	// The next run sees A1 in the error set and does not fetch it again.
	stats, err = env.runner(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Len(t, env.local.Paths(), 1)
	assert.Len(t, env.cdn.Paths(), 1)
	assert.Len(t, readCSV(t, env.errors), 2)
}

func TestRunner_RunTwiceWritesNoDuplicates(t *testing.T) {
	env := newAuditEnv(t)
	env.writeSource(t,
		[]string{"A1", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"},
		[]string{"A2", env.cdn.URL + "/missing.png", "ipfs://CID/y.svg"},
		[]string{"A3", env.cdn.URL + "/x.png", "ipfs://BAD/z.png"},
		[]string{"A4", env.cdn.URL + "/x.png", "data:image/svg+xml;utf8," + redSquareSVG},
		[]string{"A1", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"},
	)

	first, err := env.runner(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Compared)
	assert.Equal(t, 2, first.Failed)
	assert.Equal(t, 1, first.Skipped)
	assert.Equal(t, 3, first.Chunks)

	second, err := env.runner(t, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Compared)
	assert.Equal(t, 5, second.Skipped)

	for id, n := range idCounts(readCSV(t, env.results), 0) {
		assert.Equal(t, 1, n, "results rows for %s", id)
	}
	for id, n := range idCounts(readCSV(t, env.errors), 1) {
		assert.Equal(t, 1, n, "error rows for %s", id)
	}
	assert.Equal(t, map[string]int{"A1": 1, "A4": 1}, idCounts(readCSV(t, env.results), 0))
	assert.Equal(t, map[string]int{"A2": 1, "A3": 1}, idCounts(readCSV(t, env.errors), 1))
}

func TestRunner_ArchivesSourceAndReports(t *testing.T) {
	env := newAuditEnv(t)
	env.writeSource(t, []string{"A1", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"})
	archive := filepath.Join(env.dir, "done")
	sender := &mockSyslogSender{}
	ledger, err := OpenLedger(filepath.Join(env.dir, "ledger.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	stats, err := env.runner(t, func(c *RunnerConfig) {
		c.ArchiveDir = archive
		c.Reporter = NewReporter(sender, "nft-audit-test")
		c.Ledger = ledger
		c.Metrics = NewMetrics()
	}).Run(context.Background())
	require.NoError(t, err)

	_, statErr := os.Stat(env.source)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, filepath.Join(archive, "events.csv"), stats.ArchivedTo)
	_, statErr = os.Stat(stats.ArchivedTo)
	assert.NoError(t, statErr)

	calls := sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, appName, calls[0].appName)
	assert.Contains(t, calls[0].structuredData, `job="nft-audit-test"`)
	assert.Contains(t, calls[0].structuredData, `status="ok"`)
	assert.Contains(t, calls[0].message, `"compared":1`)

	require.NotEmpty(t, stats.RunID)
	run, err := ledger.Run(stats.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ok", run.Status)
	assert.Equal(t, 1, run.Compared)
	require.NotNil(t, run.EndedAt)
}

func TestRunner_CancelledContextStopsBeforeDispatch(t *testing.T) {
	env := newAuditEnv(t)
	env.writeSource(t, []string{"A1", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.runner(t, nil).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.cdn.Paths())
	_, statErr := os.Stat(env.source)
	assert.NoError(t, statErr, "source must not be archived after an incomplete run")
}

func TestRunner_CooldownOnlyBetweenChunks(t *testing.T) {
	env := newAuditEnv(t)
	env.writeSource(t,
		[]string{"A1", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"},
		[]string{"A2", env.cdn.URL + "/x.png", "ipfs://CID/y.svg"},
	)

	start := time.Now()
	stats, err := env.runner(t, func(c *RunnerConfig) {
		c.ChunkSize = 1
		c.ChunkCooldown = 200 * time.Millisecond
	}).Run(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 2, stats.Chunks)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond+2*time.Second)
}

func TestRunner_MissingColumnFailsRun(t *testing.T) {
	env := newAuditEnv(t)
	require.NoError(t, os.WriteFile(env.source, []byte("asset_id,asset_img_url\nA1,x\n"), 0o644))

	_, err := env.runner(t, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ColOriginalURL)
}

func TestNewRunner_Validates(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	assert.Error(t, err)

	_, err = NewRunner(RunnerConfig{SourcePath: "a", ResultsPath: "b", ErrorsPath: "c"})
	assert.Error(t, err, "resolver is required")

	r, err := NewRunner(RunnerConfig{SourcePath: "a", ResultsPath: "b", ErrorsPath: "c", Resolver: newFakeResolver()})
	require.NoError(t, err)
	assert.Equal(t, 10000, r.cfg.ChunkSize)
	assert.Equal(t, 5, r.cfg.Workers)
}
