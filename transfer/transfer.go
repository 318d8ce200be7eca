// Package transfer downloads one asset at a time, resumably.
//
// Bytes are streamed to a Destination while a SHA-256 is computed incrementally.
// Every CheckpointBytes or CheckpointInterval the destination is synced and the
// offset plus the serialized hash state are saved as ChunkProgress, so a crash or
// cancellation loses at most one checkpoint's worth of work and a resumed transfer
// produces the same hash as an uninterrupted one.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/internal/httpclient"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/pulse/ratelimit"
	"github.com/teranos/harvest/pulse/retry"
	"github.com/teranos/harvest/sym"
)

// Config tunes streaming and checkpointing.
type Config struct {
	CheckpointBytes    int64
	CheckpointInterval time.Duration
	// MaxBytes caps a single asset; 0 disables the cap.
	MaxBytes int64
	// CancelGrace is how long a read blocked on the network may outlive job cancellation.
	CancelGrace time.Duration
	BufferSize  int
}

// DefaultConfig returns 256 KiB / 2s checkpoints, no size cap, 5s cancel grace and 32 KiB reads.
func DefaultConfig() Config {
	return Config{
		CheckpointBytes:    256 << 10,
		CheckpointInterval: 2 * time.Second,
		CancelGrace:        5 * time.Second,
		BufferSize:         32 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckpointBytes <= 0 {
		c.CheckpointBytes = d.CheckpointBytes
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MaxBytes < 0 {
		c.MaxBytes = 0
	}
	return c
}

// Options wires a Transferer. Client and Progress are required.
type Options struct {
	Client    *httpclient.SaferClient
	Breakers  *breaker.Set
	Limiter   *ratelimit.Registry
	Policy    *retry.Policy
	Progress  ProgressStore
	Validator Validator
	Config    Config
	Logger    *zap.SugaredLogger
}

// Transferer performs resumable downloads gated by per-source breakers and rate limits.
type Transferer struct {
	client    *httpclient.SaferClient
	breakers  *breaker.Set
	limiter   *ratelimit.Registry
	policy    *retry.Policy
	progress  ProgressStore
	validator Validator
	cfg       Config
	logger    *zap.SugaredLogger
	timeNow   func() time.Time
}

// New creates a Transferer.
func New(opts Options) (*Transferer, error) {
	if opts.Client == nil {
		return nil, errors.NewInvalidRequestError("transfer needs an HTTP client")
	}
	if opts.Progress == nil {
		return nil, errors.NewInvalidRequestError("transfer needs a progress store")
	}
	t := &Transferer{
		client:    opts.Client,
		breakers:  opts.Breakers,
		limiter:   opts.Limiter,
		policy:    opts.Policy,
		progress:  opts.Progress,
		validator: opts.Validator,
		cfg:       opts.Config.withDefaults(),
		logger:    opts.Logger,
		timeNow:   time.Now,
	}
	if t.logger == nil {
		t.logger = zap.NewNop().Sugar()
	}
	if t.breakers == nil {
		t.breakers = breaker.NewSet(breaker.DefaultConfig(), t.logger)
	}
	if t.limiter == nil {
		t.limiter = ratelimit.NewRegistry(ratelimit.DefaultLimits(), nil, t.logger)
	}
	if t.policy == nil {
		t.policy = retry.DefaultPolicy()
	}
	return t, nil
}

// Transfer downloads unit into dest and reports the outcome. On OutcomeSaved the
// validated bytes sit in dest's partial location; the caller commits or discards them.
//
// Each attempt passes the source's breaker and rate limiter first. Cancellation is
// observed between reads, after progress has been checkpointed.
func (t *Transferer) Transfer(ctx context.Context, unit Unit, dest Destination) Outcome {
	if unit.ID == "" {
		unit.ID = unit.URL
	}
	log := logger.LoggerFromContext(ctx, t.logger).With("unit_id", shortID(unit.ID), "source", unit.Source)
	out := Outcome{Unit: unit}
	failures := 0
	deferrals := 0

	for {
		if ctx.Err() != nil {
			return cancelled(out, ctx.Err())
		}

		permit, ok := t.breakers.Admit(unit.Source)
		if !ok {
			out.Kind = OutcomeDeferred
			out.Reason = retry.KindSourceUnavailable
			out.Err = errors.Wrapf(errors.ErrSourceUnavailable, "breaker open for %s", unit.Source)
			return out
		}

		if err := t.limiter.Acquire(ctx, unit.Source); err != nil {
			permit.Release()
			if ctx.Err() != nil {
				return cancelled(out, ctx.Err())
			}
			return failed(out, retry.KindRateLimited, err)
		}

		out.Attempts++
		res, err := t.attempt(ctx, unit, dest, log)
		out.ResumedFrom = res.resumedFrom
		if err == nil {
			permit.Success()
			if cerr := t.progress.Clear(context.WithoutCancel(ctx), unit.ID); cerr != nil {
				log.Warnw("Failed to clear progress after success", "error", cerr)
			}
			out.Kind = OutcomeSaved
			out.ContentHash = res.hash
			out.Size = res.size
			out.Err = nil
			out.Reason = ""
			return out
		}

		if errors.Is(err, ErrStoreUnavailable) {
			permit.Release()
			return failed(out, retry.KindFatal, err)
		}

		kind := retry.Classify(err)
		if ctx.Err() != nil {
			kind = retry.KindCancelled
		}

		switch kind {
		case retry.KindCancelled:
			permit.Release()
			return cancelled(out, err)

		case retry.KindRateLimited:
			permit.Failure()
			deferrals++
			if deferrals > t.policy.MaxRateLimitDeferrals {
				return failed(out, retry.KindRateLimited, err)
			}
			wait := retryAfter(err)
			if wait <= 0 {
				wait = t.policy.NextDelay(deferrals - 1)
			}
			t.limiter.CoolDown(unit.Source, t.timeNow().Add(wait))
			log.Infow("Rate limited by source, cooling down",
				"symbol", sym.Transfer,
				"wait", wait,
				"deferral", deferrals,
			)
			continue

		case retry.KindValidation:
			// the source answered; the content is what failed
			permit.Success()
			if !t.policy.IsRetryable(err) {
				t.discard(ctx, unit, dest, log)
				return failed(out, retry.KindValidation, err)
			}

		case retry.KindTransient:
			permit.Failure()

		default:
			var statusErr *retry.HTTPStatusError
			if errors.As(err, &statusErr) {
				permit.Success()
				t.discard(ctx, unit, dest, log)
			} else {
				permit.Release()
			}
			return failed(out, kind, err)
		}

		failures++
		if failures >= t.policy.MaxAttempts {
			log.Warnw("Transfer failed after retries",
				"symbol", sym.Transfer,
				"attempts", out.Attempts,
				"error", err,
			)
			return failed(out, kind, err)
		}

		delay := t.policy.NextDelay(failures - 1)
		log.Debugw("Retrying transfer",
			"symbol", sym.Transfer,
			"attempt", out.Attempts,
			"error_kind", string(kind),
			"delay", delay,
			"error", err,
		)
		if serr := retry.Sleep(ctx, delay); serr != nil {
			return cancelled(out, serr)
		}
	}
}

func cancelled(out Outcome, err error) Outcome {
	out.Kind = OutcomeCancelled
	out.Reason = retry.KindCancelled
	out.Err = err
	return out
}

func failed(out Outcome, kind retry.Kind, err error) Outcome {
	out.Kind = OutcomeFailed
	out.Reason = kind
	out.Err = err
	return out
}

func retryAfter(err error) time.Duration {
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// discard drops partial content and progress for content that can never be accepted.
func (t *Transferer) discard(ctx context.Context, unit Unit, dest Destination, log *zap.SugaredLogger) {
	if err := dest.Discard(); err != nil {
		log.Warnw("Failed to discard partial content", "error", err)
	}
	if err := t.progress.Clear(context.WithoutCancel(ctx), unit.ID); err != nil {
		log.Warnw("Failed to clear progress", "error", err)
	}
}

type attemptResult struct {
	hash        string
	size        int64
	resumedFrom int64
}

// errRestart asks attempt to re-issue the request from offset 0.
var errRestart = errors.New("restart from zero")

// attempt performs one download attempt. It restarts from zero at most once within
// the attempt when the server cannot honour the resume offset.
func (t *Transferer) attempt(ctx context.Context, unit Unit, dest Destination, log *zap.SugaredLogger) (attemptResult, error) {
	storeCtx := context.WithoutCancel(ctx)

	prog, err := t.progress.Load(storeCtx, unit.ID)
	if err != nil {
		return attemptResult{}, err
	}

	hasher := sha256.New()
	offset := int64(0)
	if prog != nil {
		offset = t.resumeOffset(ctx, unit, dest, prog, hasher, log)
	}

	res, err := t.fetch(ctx, unit, dest, prog, offset, hasher, log)
	if errors.Is(err, errRestart) {
		hasher.Reset()
		res, err = t.fetch(ctx, unit, dest, prog, 0, hasher, log)
	}
	return res, err
}

// resumeOffset decides where to resume. It returns 0, with hasher reset, whenever the
// recorded prefix cannot be trusted or the server cannot serve ranges.
func (t *Transferer) resumeOffset(ctx context.Context, unit Unit, dest Destination, prog *ChunkProgress, hasher hash.Hash, log *zap.SugaredLogger) int64 {
	if prog.URL != unit.URL || prog.Offset <= 0 {
		return 0
	}

	size, err := dest.Size()
	if err != nil || size < prog.Offset {
		log.Infow("Partial content shorter than recorded progress, restarting",
			"symbol", sym.Transfer,
			"recorded", prog.Offset,
			"on_disk", size,
		)
		return 0
	}

	if !restoreHash(hasher, prog.HashState) {
		// rebuild the hash state from the prefix already on disk
		hasher.Reset()
		if err := rehashPrefix(hasher, dest, prog.Offset); err != nil {
			hasher.Reset()
			log.Infow("Hash state unreadable and prefix unusable, restarting", "symbol", sym.Transfer, "error", err)
			return 0
		}
	}

	if !t.supportsRanges(ctx, unit.URL) {
		hasher.Reset()
		log.Infow("Source does not accept byte ranges, restarting", "symbol", sym.Transfer)
		return 0
	}

	return prog.Offset
}

func restoreHash(h hash.Hash, state []byte) bool {
	if len(state) == 0 {
		return false
	}
	u, ok := h.(encoding.BinaryUnmarshaler)
	return ok && u.UnmarshalBinary(state) == nil
}

func rehashPrefix(h hash.Hash, dest Destination, n int64) error {
	r, err := dest.Reader()
	if err != nil {
		return err
	}
	defer r.Close()
	copied, err := io.CopyN(h, r, n)
	if err != nil {
		return errors.Wrapf(err, "rehashed %d of %d bytes", copied, n)
	}
	return nil
}

// supportsRanges asks the URL with HEAD for Accept-Ranges: bytes.
func (t *Transferer) supportsRanges(ctx context.Context, url string) bool {
	reqCtx, cancel := t.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
}

// requestContext detaches HTTP I/O from job cancellation so a cancelled job
// stops at the next read boundary rather than mid-write. A read that stays
// blocked for CancelGrace after cancellation is abandoned.
func (t *Transferer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	grace := t.cfg.CancelGrace
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-reqCtx.Done():
		}
	})
	return reqCtx, func() {
		stop()
		cancel()
	}
}

func (t *Transferer) fetch(ctx context.Context, unit Unit, dest Destination, prog *ChunkProgress, offset int64, hasher hash.Hash, log *zap.SugaredLogger) (attemptResult, error) {
	res := attemptResult{resumedFrom: offset}
	storeCtx := context.WithoutCancel(ctx)

	reqCtx, cancelReq := t.requestContext(ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, unit.URL, nil)
	if err != nil {
		return res, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	var total int64
	complete := false

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			log.Infow("Server answered a different range, restarting",
				"symbol", sym.Transfer,
				"requested", offset,
				"content_range", resp.Header.Get("Content-Range"),
			)
			return res, errRestart
		}
		total = size
		if offset > 0 {
			log.Infow("Resuming transfer", "symbol", sym.Transfer, "offset", offset, "total", total)
		}

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_, size, _ := parseContentRange(resp.Header.Get("Content-Range"))
		if size <= 0 && prog != nil {
			size = prog.TotalSize
		}
		if size != offset {
			return res, errRestart
		}
		// nothing left to send: the recorded prefix is the whole file
		total = size
		complete = true

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			log.Infow("Range ignored by server, restarting", "symbol", sym.Transfer, "requested", offset)
			offset = 0
			res.resumedFrom = 0
			hasher.Reset()
		}
		total = resp.ContentLength

	default:
		statusErr := &retry.HTTPStatusError{StatusCode: resp.StatusCode, URL: unit.URL}
		if resp.StatusCode == http.StatusTooManyRequests {
			if d, ok := httpclient.ParseRetryAfter(resp.Header.Get("Retry-After"), t.timeNow()); ok {
				statusErr.RetryAfter = d
			}
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return res, statusErr
	}

	if offset == 0 && prog != nil {
		// the old prefix is about to be overwritten
		if err := t.progress.Clear(storeCtx, unit.ID); err != nil {
			return res, err
		}
	}

	if total < 0 {
		total = 0
	}
	expected := total
	if expected == 0 {
		expected = unit.ExpectedSize
	}
	if t.cfg.MaxBytes > 0 && expected > t.cfg.MaxBytes {
		return res, &retry.ValidationError{Reason: fmt.Sprintf("%d bytes exceeds the %d byte cap", expected, t.cfg.MaxBytes)}
	}

	written := offset
	if !complete {
		written, err = t.stream(ctx, storeCtx, unit, dest, resp.Body, offset, total, expected, hasher)
		if err != nil {
			return res, err
		}
	}

	if expected > 0 && written < expected {
		return res, &retry.ValidationError{
			Reason:    fmt.Sprintf("received %d of %d bytes", written, expected),
			Retryable: true,
		}
	}

	if t.validator != nil {
		if err := t.validate(ctx, unit, dest, written); err != nil {
			return res, &retry.ValidationError{Reason: err.Error()}
		}
	}

	res.hash = hex.EncodeToString(hasher.Sum(nil))
	res.size = written
	return res, nil
}

// stream copies body into dest from offset, checkpointing as it goes, and returns the new end offset.
func (t *Transferer) stream(ctx, storeCtx context.Context, unit Unit, dest Destination, body io.Reader, offset, total, expected int64, hasher hash.Hash) (int64, error) {
	w, err := dest.OpenAt(offset)
	if err != nil {
		return offset, err
	}

	written := offset
	var sinceCheckpoint int64
	lastCheckpoint := t.timeNow()

	checkpoint := func() error {
		if written == 0 {
			return nil
		}
		if err := w.Sync(); err != nil {
			return errors.Wrap(err, "failed to sync partial content")
		}
		state, err := hasher.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "failed to serialize hash state")
		}
		if err := t.progress.Save(storeCtx, ChunkProgress{
			UnitID:    unit.ID,
			URL:       unit.URL,
			Offset:    written,
			HashState: state,
			TotalSize: total,
		}); err != nil {
			return err
		}
		sinceCheckpoint = 0
		lastCheckpoint = t.timeNow()
		return nil
	}

	// interrupted checkpoints and closes; err is what the attempt reports.
	interrupted := func(err error) (int64, error) {
		cerr := checkpoint()
		w.Close()
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		if cerr != nil {
			return written, cerr
		}
		return written, err
	}

	buf := make([]byte, t.cfg.BufferSize)
	for {
		if ctx.Err() != nil {
			return interrupted(ctx.Err())
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if expected > 0 && written+int64(n) > expected {
				w.Close()
				return written, &retry.ValidationError{Reason: fmt.Sprintf("received more than the expected %d bytes", expected)}
			}
			if t.cfg.MaxBytes > 0 && written+int64(n) > t.cfg.MaxBytes {
				w.Close()
				return written, &retry.ValidationError{Reason: fmt.Sprintf("exceeds the %d byte cap", t.cfg.MaxBytes)}
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return written, errors.Wrap(werr, "failed to write partial content")
			}
			hasher.Write(buf[:n])
			written += int64(n)
			sinceCheckpoint += int64(n)

			if sinceCheckpoint >= t.cfg.CheckpointBytes || t.timeNow().Sub(lastCheckpoint) >= t.cfg.CheckpointInterval {
				if err := checkpoint(); err != nil {
					w.Close()
					return written, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return interrupted(rerr)
		}
	}

	if expected > 0 && written < expected {
		// short stream: keep the prefix for a ranged retry
		return interrupted(nil)
	}

	if err := w.Sync(); err != nil {
		w.Close()
		return written, errors.Wrap(err, "failed to sync partial content")
	}
	if err := w.Close(); err != nil {
		return written, errors.Wrap(err, "failed to close partial content")
	}
	return written, nil
}

func (t *Transferer) validate(ctx context.Context, unit Unit, dest Destination, size int64) error {
	r, err := dest.Reader()
	if err != nil {
		return err
	}
	defer r.Close()
	return t.validator.Validate(ctx, unit, r, size)
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// start is -1 for the unsatisfied form, total is -1 when the server wrote "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	spec := strings.TrimSpace(strings.TrimPrefix(v, "bytes "))
	rng, size, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, false
	}

	total = -1
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total = n
	}

	if rng == "*" {
		return -1, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
