package scan

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/qr"
)

type fakeVerifier struct {
	mu       sync.Mutex
	verified []qr.Payload
	rejected int
	summary  Summary
	err      error
}

func (v *fakeVerifier) Verify(ctx context.Context, providerID string, payload qr.Payload) (Summary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verified = append(v.verified, payload)
	return v.summary, v.err
}

func (v *fakeVerifier) RecordRejected(ctx context.Context, providerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejected++
}

func qrFrame(t *testing.T, payload qr.Payload) image.Image {
	t.Helper()
	data, err := qr.Encode(payload)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func blankFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 64))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func waitForState(t *testing.T, s *Session, want SessionState) (Summary, string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		state, summary, failure := s.Snapshot()
		if state == want {
			return summary, failure
		}
		select {
		case <-deadline:
			t.Fatalf("state = %q, want %q", state, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScannerSkipsBlankFramesThenDecodes(t *testing.T) {
	src := NewPushSource()
	h := Start(context.Background(), src, time.Millisecond)

	src.Push(blankFrame())
	src.Push(blankFrame())
	src.Push(qrFrame(t, qr.Payload{AppointmentID: 42, ClientName: "Youssef"}))

	select {
	case res := <-h.Results():
		if res.Err != nil {
			t.Fatalf("scan error: %v", res.Err)
		}
		if res.Payload.AppointmentID != 42 {
			t.Errorf("appointment id = %d, want 42", res.Payload.AppointmentID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scanner did not decode the frame")
	}

	<-h.Done()
	if !src.Closed() {
		t.Error("source not released after successful decode")
	}
}

func TestScannerCancelReleasesSource(t *testing.T) {
	src := NewPushSource()
	h := Start(context.Background(), src, time.Millisecond)

	src.Push(blankFrame())
	h.Cancel()

	if !src.Closed() {
		t.Error("source not released after cancel")
	}
}

func TestSessionSuccess(t *testing.T) {
	verifier := &fakeVerifier{summary: Summary{
		AppointmentID: 42,
		ClientName:    "Youssef Amrani",
		Discount:      "19%",
	}}
	m := NewManager(context.Background(), verifier, nil, testLogger(), time.Millisecond)

	session, err := m.Begin("p-1")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if state, _, _ := session.Snapshot(); state != StateScanning {
		t.Fatalf("state = %q, want scanning", state)
	}

	session.Push(qrFrame(t, qr.Payload{AppointmentID: 42}))

	summary, _ := waitForState(t, session, StateSuccess)
	if summary.ClientName != "Youssef Amrani" {
		t.Errorf("summary client = %q", summary.ClientName)
	}
	if len(verifier.verified) != 1 || verifier.verified[0].AppointmentID != 42 {
		t.Errorf("verifier calls = %+v", verifier.verified)
	}
}

func TestSessionFailureOnUnknownAppointment(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("no such appointment")}
	m := NewManager(context.Background(), verifier, nil, testLogger(), time.Millisecond)

	session, err := m.Begin("p-1")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	session.Push(qrFrame(t, qr.Payload{AppointmentID: 9999}))

	_, failure := waitForState(t, session, StateFailure)
	if failure != FailureMessage {
		t.Errorf("failure = %q, want %q", failure, FailureMessage)
	}
}

func TestManagerSingleSessionPerProvider(t *testing.T) {
	verifier := &fakeVerifier{}

	var mu sync.Mutex
	var sources []*PushSource
	var prevClosedAtAcquire []bool
	factory := func(providerID string) (FrameSource, error) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(sources); n > 0 {
			prevClosedAtAcquire = append(prevClosedAtAcquire, sources[n-1].Closed())
		}
		src := NewPushSource()
		sources = append(sources, src)
		return src, nil
	}

	m := NewManager(context.Background(), verifier, factory, testLogger(), time.Millisecond)

	first, err := m.Begin("p-1")
	if err != nil {
		t.Fatalf("begin first session: %v", err)
	}
	second, err := m.Begin("p-1")
	if err != nil {
		t.Fatalf("begin second session: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected a fresh session id")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sources) != 2 {
		t.Fatalf("sources acquired = %d, want 2", len(sources))
	}
	if !prevClosedAtAcquire[0] {
		t.Error("previous source was not closed before the new one was acquired")
	}
	if _, ok := m.Get(first.ID); ok {
		t.Error("replaced session still registered")
	}
}

func TestManagerConcurrentBegin(t *testing.T) {
	var mu sync.Mutex
	var sources []*PushSource
	factory := func(providerID string) (FrameSource, error) {
		src := NewPushSource()
		mu.Lock()
		sources = append(sources, src)
		mu.Unlock()
		return src, nil
	}
	m := NewManager(context.Background(), &fakeVerifier{}, factory, testLogger(), time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Begin("p-1"); err != nil {
				t.Errorf("begin: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	live := 0
	for _, src := range sources {
		if !src.Closed() {
			live++
		}
	}
	mu.Unlock()
	if live != 1 {
		t.Fatalf("live sources after concurrent begins = %d, want exactly 1", live)
	}

	m.mu.Lock()
	registered := len(m.byID)
	m.mu.Unlock()
	if registered != 1 {
		t.Errorf("registered sessions = %d, want 1", registered)
	}
}

func TestManagerEvictsTerminalSessions(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("no such appointment")}
	m := NewManager(context.Background(), verifier, nil, testLogger(), time.Millisecond)
	m.retention = 10 * time.Millisecond

	session, err := m.Begin("p-1")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	session.Push(qrFrame(t, qr.Payload{AppointmentID: 9999}))
	waitForState(t, session, StateFailure)

	deadline := time.After(3 * time.Second)
	for {
		if _, ok := m.Get(session.ID); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("terminal session still registered after retention")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagerCancel(t *testing.T) {
	verifier := &fakeVerifier{}
	m := NewManager(context.Background(), verifier, nil, testLogger(), time.Millisecond)

	session, err := m.Begin("p-1")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if !m.Cancel(session.ID) {
		t.Fatal("cancel returned false for live session")
	}
	if state, _, _ := session.Snapshot(); state != StateIdle {
		t.Errorf("state after cancel = %q, want idle", state)
	}
	if !session.src.Closed() {
		t.Error("source not released after cancel")
	}
	if m.Cancel(session.ID) {
		t.Error("cancel of removed session returned true")
	}
}

func TestSourceFactoryError(t *testing.T) {
	factory := func(providerID string) (FrameSource, error) {
		return nil, ErrSourceUnavailable
	}
	m := NewManager(context.Background(), &fakeVerifier{}, factory, testLogger(), time.Millisecond)

	if _, err := m.Begin("p-1"); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}
