package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stalker-proxy/work/buffer"
	"stalker-proxy/work/metrics"
)

var readBuffers = buffer.NewBufferPool(readBufferSize)

var (
	// ErrNoStart means the upstream produced no bytes within the start timeout.
	ErrNoStart = errors.New("stream did not start")
	// ErrStalled means the upstream went silent for longer than the stall timeout.
	ErrStalled = errors.New("stream stalled")
	// ErrUpstreamEnded means the upstream closed or failed after it had started.
	ErrUpstreamEnded = errors.New("upstream ended")
	// ErrClientGone means writing to the client failed.
	ErrClientGone = errors.New("client disconnected")
)

// PumpOptions tunes a single Pump call.
type PumpOptions struct {
	StartTimeout time.Duration // Allowed wait for the first bytes
	StallTimeout time.Duration // Allowed silence once bytes flow
	PortalID     string        // Label for the bytes metric
	OnFirstByte  func()        // Called once, before the first write
}

type readResult struct {
	n   int
	err error
}

// Pump copies src to dst until one side ends, flushing after every chunk when dst
// supports it. src is always closed before Pump returns.
//
// The returned error tells the caller what happened:
//   - ctx.Err() when the request context was cancelled
//   - ErrClientGone when dst stopped accepting data
//   - ErrNoStart, ErrStalled or ErrUpstreamEnded for upstream failures
func Pump(ctx context.Context, dst io.Writer, src io.ReadCloser, opts PumpOptions) (int64, error) {
	results := make(chan readResult)
	resume := make(chan struct{}, 1)
	done := make(chan struct{})
	exited := make(chan struct{})

	pooled := readBuffers.Get()
	defer readBuffers.Put(pooled)
	buf := pooled.B

	go func() {
		defer close(exited)
		for {
			n, err := src.Read(buf)
			select {
			case results <- readResult{n: n, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
			select {
			case <-resume:
			case <-done:
				return
			}
		}
	}()

	defer func() {
		close(done)
		src.Close()
		<-exited
	}()

	flusher, _ := dst.(http.Flusher)
	bytesMetric := metrics.BytesTransferred.WithLabelValues(opts.PortalID)

	timer := time.NewTimer(opts.StartTimeout)
	defer timer.Stop()

	var total int64
	started := false

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()

		case <-timer.C:
			if !started {
				return total, ErrNoStart
			}
			return total, ErrStalled

		case r := <-results:
			if r.n > 0 {
				if !started {
					started = true
					if opts.OnFirstByte != nil {
						opts.OnFirstByte()
					}
				}

				if _, err := dst.Write(buf[:r.n]); err != nil {
					return total, fmt.Errorf("%w: %v", ErrClientGone, err)
				}
				if flusher != nil {
					flusher.Flush()
				}
				total += int64(r.n)
				bytesMetric.Add(float64(r.n))
				timer.Reset(opts.StallTimeout)
			}

			if r.err != nil {
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
				if !started {
					return total, fmt.Errorf("%w: %v", ErrNoStart, r.err)
				}
				if r.err == io.EOF {
					return total, ErrUpstreamEnded
				}
				return total, fmt.Errorf("%w: %v", ErrUpstreamEnded, r.err)
			}
			resume <- struct{}{}
		}
	}
}
