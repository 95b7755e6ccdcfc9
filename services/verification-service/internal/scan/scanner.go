package scan

import (
	"context"
	"errors"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/qr"
)

// Result is the terminal outcome of a scan loop: either a decoded
// payload or the error that stopped the loop.
type Result struct {
	Payload qr.Payload
	Err     error
}

// Handle controls a running scan loop. Cancel stops the loop; Done is
// closed only after the frame source has been released, so waiting on
// it guarantees the release contract.
type Handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	results chan Result
}

func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Results() <-chan Result { return h.results }

// Start runs the continuous-scan loop: take the latest frame, attempt a
// decode, and keep going while no barcode is detected. The loop stops
// on the first decoded payload, the first invalid payload, or
// cancellation. Source close and ticker stop run on every exit path.
func Start(ctx context.Context, src FrameSource, interval time.Duration) *Handle {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:  cancel,
		done:    make(chan struct{}),
		results: make(chan Result, 1),
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer func() {
			ticker.Stop()
			_ = src.Close()
			close(h.done)
		}()

		for {
			frame, err := src.NextFrame(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSourceClosed) {
					h.results <- Result{Err: err}
				}
				return
			}

			payload, err := qr.DecodeImage(frame)
			switch {
			case err == nil:
				h.results <- Result{Payload: payload}
				return
			case errors.Is(err, qr.ErrNotDetected):
				// No barcode in this frame; wait for the next one.
			default:
				h.results <- Result{Err: err}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return h
}
