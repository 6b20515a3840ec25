package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds a single recognition pass.
const DefaultTimeout = 45 * time.Second

// Pool bounds how many recognitions run at once and how long each may take.
// A pass that outlives its timeout keeps its slot until tesseract returns, so
// the pool never runs more than size passes even when callers give up.
type Pool struct {
	rec     Recognizer
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

func NewPool(rec Recognizer, size int, timeout time.Duration, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{
		rec:     rec,
		sem:     semaphore.NewWeighted(int64(size)),
		timeout: timeout,
		logger:  logger.With("component", "ocr_pool", "size", size),
	}
}

type outcome struct {
	res Result
	err error
}

// Recognize implements Recognizer.
func (p *Pool) Recognize(ctx context.Context, img []byte, opts Options) (Result, error) {
	if len(img) == 0 {
		return Result{}, ErrEmptyImage
	}
	if opts.Language == "" {
		opts.Language = Language
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, p.ctxErr(ctx)
	}
	done := make(chan outcome, 1)
	go func() {
		defer p.sem.Release(1)
		res, err := p.rec.Recognize(ctx, img, opts)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, ErrRecognition) || errors.Is(o.err, ErrRecognitionTimeout) {
				return Result{}, o.err
			}
			if ctx.Err() != nil {
				return Result{}, p.ctxErr(ctx)
			}
			return Result{}, fmt.Errorf("%w: %w", ErrRecognition, o.err)
		}
		o.res.PageMode = opts.PageMode
		return o.res, nil
	case <-ctx.Done():
		return Result{}, p.ctxErr(ctx)
	}
}

func (p *Pool) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.Warn("recognition timed out", "timeout", p.timeout)
		return fmt.Errorf("%w after %s", ErrRecognitionTimeout, p.timeout)
	}
	return ctx.Err()
}
