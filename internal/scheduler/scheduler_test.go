package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nctb-archive/pdfgrab/internal/domain"
	"github.com/nctb-archive/pdfgrab/internal/fetch"
	"github.com/nctb-archive/pdfgrab/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validPDF(size int) []byte {
	buf := bytes.Repeat([]byte("x"), size)
	copy(buf, "%PDF-1.4\n")
	return buf
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	return led
}

// countingServer serves a valid document and tracks total plus concurrent
// in-flight requests.
type countingServer struct {
	srv   *httptest.Server
	total atomic.Int64

	mu       sync.Mutex
	inFlight int64
	peak     int64
}

func newCountingServer(t *testing.T, delay time.Duration) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.total.Add(1)
		cs.mu.Lock()
		cs.inFlight++
		if cs.inFlight > cs.peak {
			cs.peak = cs.inFlight
		}
		cs.mu.Unlock()
		defer func() {
			cs.mu.Lock()
			cs.inFlight--
			cs.mu.Unlock()
		}()

		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(validPDF(2048))
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *countingServer) peakInFlight() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.peak
}

func makeTasks(t *testing.T, srv *httptest.Server, n int) []domain.Task {
	t.Helper()
	dir := t.TempDir()
	tasks := make([]domain.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, domain.Task{
			ID:          fmt.Sprintf("task-%02d", i),
			SourceURL:   fmt.Sprintf("%s/doc-%02d.pdf", srv.URL, i),
			Destination: filepath.Join(dir, fmt.Sprintf("doc-%02d.pdf", i)),
		})
	}
	return tasks
}

func TestScheduler_Run_AllSucceed(t *testing.T) {
	cs := newCountingServer(t, 0)
	led := newLedger(t)
	fetcher := fetch.New(fetch.Options{MaxAttempts: 1, MinSize: 100}, testLogger())

	s := New(fetcher, led, testLogger(), 4, 100)
	err := s.Run(context.Background(), makeTasks(t, cs.srv, 8))
	require.NoError(t, err)

	totals := led.Totals()
	assert.Equal(t, 8, totals.Succeeded)
	assert.Equal(t, 0, totals.Failed)
	assert.EqualValues(t, 8, cs.total.Load())
}

func TestScheduler_Run_ConcurrencyBound(t *testing.T) {
	const workers = 3
	cs := newCountingServer(t, 50*time.Millisecond)
	led := newLedger(t)
	fetcher := fetch.New(fetch.Options{MaxAttempts: 1, MinSize: 100}, testLogger())

	s := New(fetcher, led, testLogger(), workers, 100)
	err := s.Run(context.Background(), makeTasks(t, cs.srv, 12))
	require.NoError(t, err)

	assert.LessOrEqual(t, cs.peakInFlight(), int64(workers),
		"in-flight requests must never exceed the worker count")
	assert.EqualValues(t, 12, cs.total.Load())
	assert.Equal(t, 12, led.Totals().Succeeded)
}

func TestScheduler_Run_SkipsExistingFiles(t *testing.T) {
	cs := newCountingServer(t, 0)
	led := newLedger(t)
	fetcher := fetch.New(fetch.Options{MaxAttempts: 1, MinSize: 100}, testLogger())

	tasks := makeTasks(t, cs.srv, 3)
	require.NoError(t, os.WriteFile(tasks[0].Destination, validPDF(4096), 0o644))
	require.NoError(t, os.WriteFile(tasks[1].Destination, validPDF(4096), 0o644))

	s := New(fetcher, led, testLogger(), 2, 100)
	require.NoError(t, s.Run(context.Background(), tasks))

	totals := led.Totals()
	assert.Equal(t, 2, totals.Skipped)
	assert.Equal(t, 1, totals.Succeeded)
	assert.EqualValues(t, 1, cs.total.Load(), "existing files must cause zero transport calls")

	out, ok := led.Get(tasks[0].ID)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeExisting, out.Status)
	assert.EqualValues(t, 4096, out.Size)
}

func TestScheduler_Run_SecondRunIsIdempotent(t *testing.T) {
	cs := newCountingServer(t, 0)
	led := newLedger(t)
	fetcher := fetch.New(fetch.Options{MaxAttempts: 1, MinSize: 100}, testLogger())
	tasks := makeTasks(t, cs.srv, 5)

	s := New(fetcher, led, testLogger(), 3, 100)
	require.NoError(t, s.Run(context.Background(), tasks))
	require.EqualValues(t, 5, cs.total.Load())

	require.NoError(t, s.Run(context.Background(), tasks))
	assert.EqualValues(t, 5, cs.total.Load(), "a rerun over complete output must make no network calls")
	assert.Equal(t, 5, led.Totals().Skipped+led.Totals().Succeeded)
}

func TestScheduler_Run_RetryOnlyResume(t *testing.T) {
	// First run against a server that rejects everything.
	var failing atomic.Bool
	failing.Store(true)
	var total atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		total.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(validPDF(2048))
	}))
	defer srv.Close()

	led := newLedger(t)
	fetcher := fetch.New(fetch.Options{MaxAttempts: 1, MinSize: 100}, testLogger())
	tasks := makeTasks(t, srv, 4)

	s := New(fetcher, led, testLogger(), 2, 100)
	require.NoError(t, s.Run(context.Background(), tasks))
	require.Equal(t, 4, led.Totals().Failed)

	// Resume over the failed subset only; the server recovers.
	failing.Store(false)
	callsBefore := total.Load()
	retry := led.FailedTasks()
	require.Len(t, retry, 4)
	require.NoError(t, s.Run(context.Background(), retry))

	totals := led.Totals()
	assert.Equal(t, 0, totals.Failed)
	assert.Equal(t, 4, totals.Succeeded)
	assert.EqualValues(t, 4, total.Load()-callsBefore)
}

func TestScheduler_Run_CancellationStopsDispatch(t *testing.T) {
	release := make(chan struct{})
	var total atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		total.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(validPDF(2048))
	}))
	defer srv.Close()

	led := newLedger(t)
	fetcher := fetch.New(fetch.Options{MaxAttempts: 1, MinSize: 100}, testLogger())
	tasks := makeTasks(t, srv, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Wait for the first workers to block, then cancel and unblock.
		for total.Load() < 2 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		close(release)
	}()

	s := New(fetcher, led, testLogger(), 2, 100)
	err := s.Run(ctx, tasks)
	assert.ErrorIs(t, err, context.Canceled)

	// Not all tasks were dispatched, but whatever ran has an outcome.
	assert.Less(t, led.Len(), 10)
	assert.GreaterOrEqual(t, led.Len(), 2)
}
