package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/internal/httpclient"
	harvesttest "github.com/teranos/harvest/internal/testing"
	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/pulse/ratelimit"
	"github.com/teranos/harvest/pulse/retry"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*31 + 7) % 251)
	}
	return b
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

type fixture struct {
	t        *testing.T
	progress *SQLProgressStore
	breakers *breaker.Set
	limiter  *ratelimit.Registry
	policy   *retry.Policy
	cfg      Config
	validate Validator
}

func newFixture(t *testing.T) *fixture {
	log := zaptest.NewLogger(t).Sugar()
	return &fixture{
		t:        t,
		progress: NewProgressStore(harvesttest.CreateTestDB(t)),
		breakers: breaker.NewSet(breaker.DefaultConfig(), log),
		limiter:  ratelimit.NewRegistry(ratelimit.Limits{MaxPerWindow: 1000, Window: time.Minute}, nil, log),
		policy:   retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 3, 5),
		cfg:      Config{CheckpointBytes: 100, CheckpointInterval: time.Minute, CancelGrace: 50 * time.Millisecond},
	}
}

// transferer builds a fresh Transferer over the fixture's shared stores, the way a restarted process would.
func (f *fixture) transferer(srv *httptest.Server) *Transferer {
	tr, err := New(Options{
		Client:    httpclient.WrapClient(srv.Client()),
		Breakers:  f.breakers,
		Limiter:   f.limiter,
		Policy:    f.policy,
		Progress:  f.progress,
		Validator: f.validate,
		Config:    f.cfg,
		Logger:    zaptest.NewLogger(f.t).Sugar(),
	})
	require.NoError(f.t, err)
	return tr
}

func serveContent(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "asset.bin", time.Time{}, bytes.NewReader(content))
	}
}

func TestNewRequiresClientAndProgress(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = New(Options{Client: httpclient.NewSaferClient(time.Second)})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestTransfer_FreshDownload(t *testing.T) {
	content := payload(1000)
	srv := httptest.NewServer(serveContent(content))
	defer srv.Close()

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "ocean", "a.bin"))
	unit := Unit{ID: "u1", URL: srv.URL + "/a.bin", Source: "local"}

	out := f.transferer(srv).Transfer(context.Background(), unit, dest)

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, sum(content), out.ContentHash)
	assert.Equal(t, int64(1000), out.Size)
	assert.Equal(t, 1, out.Attempts)
	assert.Zero(t, out.ResumedFrom)

	prog, err := f.progress.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, prog, "progress is cleared on success")

	path, err := dest.Commit()
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// Given: a 1000-byte asset whose first download dies after 400 bytes
// When: the process restarts and the unit is transferred again
// Then: only bytes [400,1000) are requested and the result is byte-identical
func TestTransfer_ResumeAfterInterruption(t *testing.T) {
	content := payload(1000)

	var mu sync.Mutex
	var ranges []string
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			mu.Unlock()
			if gets.Add(1) == 1 {
				w.Header().Set("Content-Length", "1000")
				w.Header().Set("Accept-Ranges", "bytes")
				w.WriteHeader(http.StatusOK)
				w.Write(content[:400])
				w.(http.Flusher).Flush()
				panic(http.ErrAbortHandler)
			}
		}
		serveContent(content)(w, r)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.policy = retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 1, 5)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u-resume", URL: srv.URL + "/a.bin", Source: "local"}

	first := f.transferer(srv).Transfer(context.Background(), unit, dest)
	require.Equal(t, OutcomeFailed, first.Kind)
	assert.Equal(t, retry.KindTransient, first.Reason)

	prog, err := f.progress.Load(context.Background(), unit.ID)
	require.NoError(t, err)
	require.NotNil(t, prog)
	assert.Equal(t, int64(400), prog.Offset)
	assert.Equal(t, int64(1000), prog.TotalSize)
	size, err := dest.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(400), size)

	second := f.transferer(srv).Transfer(context.Background(), unit, dest)
	require.Equal(t, OutcomeSaved, second.Kind, second.Error())
	assert.Equal(t, int64(400), second.ResumedFrom)
	assert.Equal(t, sum(content), second.ContentHash, "resumed hash equals uninterrupted hash")

	mu.Lock()
	assert.Equal(t, []string{"", "bytes=400-"}, ranges)
	mu.Unlock()

	path, err := dest.Commit()
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func seedProgress(t *testing.T, f *fixture, dest *FileDestination, unit Unit, content []byte, n int) {
	w, err := dest.OpenAt(0)
	require.NoError(t, err)
	_, err = w.Write(content[:n])
	require.NoError(t, err)
	require.NoError(t, w.Close())

	h := sha256.New()
	h.Write(content[:n])
	state, err := h.(interface{ MarshalBinary() ([]byte, error) }).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, f.progress.Save(context.Background(), ChunkProgress{
		UnitID: unit.ID, URL: unit.URL, Offset: int64(n), HashState: state, TotalSize: int64(len(content)),
	}))
}

func TestTransfer_RestartsWhenServerIgnoresRange(t *testing.T) {
	content := payload(800)
	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Header.Get("Range") != "" {
			sawRange.Store(true)
		}
		if r.Method == http.MethodHead {
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u2", URL: srv.URL + "/a.bin", Source: "local"}
	seedProgress(t, f, dest, unit, content, 300)

	out := f.transferer(srv).Transfer(context.Background(), unit, dest)

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.True(t, sawRange.Load())
	assert.Zero(t, out.ResumedFrom)
	assert.Equal(t, sum(content), out.ContentHash)
	size, _ := dest.Size()
	assert.Equal(t, int64(800), size)
}

func TestTransfer_NoRangeSupportRestartsWithoutRangeHeader(t *testing.T) {
	content := payload(500)
	var rangeRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			rangeRequests.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodGet {
			w.Write(content)
		}
	}))
	defer srv.Close()

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u3", URL: srv.URL + "/a.bin", Source: "local"}
	seedProgress(t, f, dest, unit, content, 200)

	out := f.transferer(srv).Transfer(context.Background(), unit, dest)

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Zero(t, rangeRequests.Load())
	assert.Equal(t, sum(content), out.ContentHash)
}

func TestTransfer_GapForcesRestart(t *testing.T) {
	content := payload(600)
	var mu sync.Mutex
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		serveContent(content)(w, r)
	}))
	defer srv.Close()

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u4", URL: srv.URL + "/a.bin", Source: "local"}
	seedProgress(t, f, dest, unit, content, 300)
	require.NoError(t, os.Truncate(dest.PartPath(), 100))

	out := f.transferer(srv).Transfer(context.Background(), unit, dest)

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, sum(content), out.ContentHash)
	mu.Lock()
	assert.Equal(t, []string{""}, ranges)
	mu.Unlock()
}

func TestTransfer_UnreadableHashStateRehashesPrefix(t *testing.T) {
	content := payload(700)
	srv := httptest.NewServer(serveContent(content))
	defer srv.Close()

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u5", URL: srv.URL + "/a.bin", Source: "local"}
	seedProgress(t, f, dest, unit, content, 350)
	require.NoError(t, f.progress.Save(context.Background(), ChunkProgress{
		UnitID: unit.ID, URL: unit.URL, Offset: 350, HashState: []byte("garbage"),
	}))

	out := f.transferer(srv).Transfer(context.Background(), unit, dest)

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, int64(350), out.ResumedFrom)
	assert.Equal(t, sum(content), out.ContentHash)
}

func TestTransfer_RangeNotSatisfiableMeansComplete(t *testing.T) {
	content := payload(400)
	var bodies atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			return
		}
		bodies.Add(1)
		w.Header().Set("Content-Range", "bytes */400")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u6", URL: srv.URL + "/a.bin", Source: "local"}
	seedProgress(t, f, dest, unit, content, 400)

	out := f.transferer(srv).Transfer(context.Background(), unit, dest)

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, sum(content), out.ContentHash)
	assert.Equal(t, int64(400), out.Size)
	assert.Equal(t, int32(1), bodies.Load())
}

func TestTransfer_RetriesTransientThenSucceeds(t *testing.T) {
	content := payload(300)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveContent(content)(w, r)
	}))
	defer srv.Close()

	f := newFixture(t)
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u7", URL: srv.URL + "/a.bin", Source: "flaky"},
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, breaker.Closed, f.breakers.State("flaky"))
	assert.Zero(t, f.breakers.For("flaky").Snapshot().Failures, "success resets the failure count")
}

func TestTransfer_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t)
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u8", URL: srv.URL + "/a.bin", Source: "down"},
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindTransient, out.Reason)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	var statusErr *retry.HTTPStatusError
	require.True(t, errors.As(out.Err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestTransfer_NotFoundIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFixture(t)
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u9", URL: srv.URL + "/gone.jpg", Source: "local"},
		NewFileDestination(filepath.Join(t.TempDir(), "gone.jpg")))

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindFatal, out.Reason)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, breaker.Closed, f.breakers.State("local"), "a 404 is not a source fault")
}

func TestTransfer_MalformedURLIsFatal(t *testing.T) {
	srv := httptest.NewServer(serveContent(nil))
	defer srv.Close()

	f := newFixture(t)
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "bad", URL: "http://[::1", Source: "local"},
		NewFileDestination(filepath.Join(t.TempDir(), "x")))

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindFatal, out.Reason)
	assert.Equal(t, 1, out.Attempts)
}

func TestTransfer_RateLimitedDoesNotConsumeRetryBudget(t *testing.T) {
	content := payload(200)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		serveContent(content)(w, r)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.policy = retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 1, 5)
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u10", URL: srv.URL + "/a.bin", Source: "busy"},
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, 3, out.Attempts)
}

func TestTransfer_RateLimitDeferralsAreCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.policy = retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 3, 2)
	f.breakers = breaker.NewSet(breaker.Config{FailureThreshold: 100}, nil)
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u11", URL: srv.URL + "/a.bin", Source: "busy"},
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindRateLimited, out.Reason)
	assert.Equal(t, 3, out.Attempts)
}

func TestTransfer_RetryAfterCoolsDownLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := f.transferer(srv).Transfer(ctx,
		Unit{ID: "u12", URL: srv.URL + "/a.bin", Source: "strict"},
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindRateLimited, out.Reason)
	assert.True(t, errors.Is(out.Err, ratelimit.ErrDeadline), "next admission lies past the job deadline")
	assert.False(t, f.limiter.Stats("strict").CoolDownUntil.IsZero())
}

func TestTransfer_OpenBreakerDefersWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.breakers.RecordFailure("dead")
	}

	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u13", URL: srv.URL + "/a.bin", Source: "dead"},
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	assert.Equal(t, OutcomeDeferred, out.Kind)
	assert.Equal(t, retry.KindSourceUnavailable, out.Reason)
	assert.True(t, errors.Is(out.Err, errors.ErrSourceUnavailable))
	assert.Zero(t, out.Attempts)
	assert.Zero(t, calls.Load())
}

func TestTransfer_ValidatorRejectionDiscards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<!DOCTYPE html><html><body>This photo has been removed</body></html>")
	}))
	defer srv.Close()

	f := newFixture(t)
	f.validate = RejectMarkup()
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.jpg"))
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u14", URL: srv.URL + "/a.jpg", Source: "local"}, dest)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindValidation, out.Reason)
	assert.Equal(t, 1, out.Attempts, "validator rejection is not retried")
	_, err := os.Stat(dest.PartPath())
	assert.True(t, os.IsNotExist(err))
}

func TestTransfer_ShortStreamKeepsPrefix(t *testing.T) {
	content := payload(600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		// chunked: no Content-Length, so only the search result's size reveals the shortfall
		w.Write(content)
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	f := newFixture(t)
	f.policy = retry.NewPolicy(time.Millisecond, 5*time.Millisecond, 2, 5)
	unit := Unit{ID: "u15", URL: srv.URL + "/a.bin", Source: "local", ExpectedSize: 1000}
	out := f.transferer(srv).Transfer(context.Background(), unit,
		NewFileDestination(filepath.Join(t.TempDir(), "a.bin")))

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindValidation, out.Reason)
	assert.Equal(t, 2, out.Attempts)

	prog, err := f.progress.Load(context.Background(), unit.ID)
	require.NoError(t, err)
	require.NotNil(t, prog)
	assert.Equal(t, int64(600), prog.Offset)
}

func TestTransfer_SizeCap(t *testing.T) {
	srv := httptest.NewServer(serveContent(payload(1000)))
	defer srv.Close()

	f := newFixture(t)
	f.cfg.MaxBytes = 500
	dest := NewFileDestination(filepath.Join(t.TempDir(), "big.bin"))
	out := f.transferer(srv).Transfer(context.Background(),
		Unit{ID: "u16", URL: srv.URL + "/big.bin", Source: "local"}, dest)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, retry.KindValidation, out.Reason)
	assert.Contains(t, out.Error(), "byte cap")
	size, _ := dest.Size()
	assert.Zero(t, size)
}

func TestTransfer_CancellationCheckpointsThenResumes(t *testing.T) {
	content := payload(2000)
	flushed := make(chan struct{})
	release := make(chan struct{})
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets.Add(1) == 1 {
			w.Header().Set("Content-Length", "2000")
			w.WriteHeader(http.StatusOK)
			w.Write(content[:700])
			w.(http.Flusher).Flush()
			close(flushed)
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		serveContent(content)(w, r)
	}))
	defer srv.Close()
	defer close(release)

	f := newFixture(t)
	dest := NewFileDestination(filepath.Join(t.TempDir(), "a.bin"))
	unit := Unit{ID: "u17", URL: srv.URL + "/a.bin", Source: "local"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-flushed
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out := f.transferer(srv).Transfer(ctx, unit, dest)
	require.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, retry.KindCancelled, out.Reason)
	assert.Equal(t, breaker.Closed, f.breakers.State("local"), "cancellation is not a source failure")

	prog, err := f.progress.Load(context.Background(), unit.ID)
	require.NoError(t, err)
	require.NotNil(t, prog)
	size, err := dest.Size()
	require.NoError(t, err)
	assert.Equal(t, prog.Offset, size, "checkpoint matches what is on disk")

	out = f.transferer(srv).Transfer(context.Background(), unit, dest)
	require.Equal(t, OutcomeSaved, out.Kind, out.Error())
	assert.Equal(t, prog.Offset, out.ResumedFrom)
	assert.Equal(t, sum(content), out.ContentHash)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in           string
		start, total int64
		ok           bool
	}{
		{"bytes 400-999/1000", 400, 1000, true},
		{"bytes 0-0/*", 0, -1, true},
		{"bytes */1000", -1, 1000, true},
		{"bytes 400-999", 0, 0, false},
		{"items 1-2/3", 0, 0, false},
		{"bytes x-9/10", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, total, ok := parseContentRange(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.total, total)
			}
		})
	}
}
