package scan

import (
	"context"
	"errors"
	"image"
	"sync"
)

var (
	// ErrSourceUnavailable means the frame source could not be acquired
	// (for example, camera permission denied). Callers should fall back
	// to single-image upload.
	ErrSourceUnavailable = errors.New("scan: frame source unavailable")

	ErrSourceClosed = errors.New("scan: frame source closed")
)

// FrameSource is an exclusive producer of image frames. Close releases
// the underlying resource and must be safe to call more than once;
// acquiring a new source for the same owner requires the old one to be
// fully closed first.
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// SourceFactory acquires a frame source for a provider's scan session.
type SourceFactory func(providerID string) (FrameSource, error)

// PushSource is a FrameSource fed over HTTP: each uploaded frame
// replaces any frame not yet consumed, so the scanner always sees the
// most recent one.
type PushSource struct {
	mu     sync.Mutex
	frame  image.Image
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewPushSource() *PushSource {
	return &PushSource{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push hands a frame to the scanner, dropping any stale pending frame.
// Pushing to a closed source is a no-op.
func (s *PushSource) Push(frame image.Image) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *PushSource) NextFrame(ctx context.Context) (image.Image, error) {
	for {
		s.mu.Lock()
		frame := s.frame
		s.frame = nil
		s.mu.Unlock()
		if frame != nil {
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSourceClosed
		case <-s.notify:
		}
	}
}

func (s *PushSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has completed. The session manager uses
// it to assert the release contract before acquiring a new source.
func (s *PushSource) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
