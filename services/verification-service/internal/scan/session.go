package scan

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tangerconnect/tangerconnect/libs/qr"
)

type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateScanning       SessionState = "scanning"
	StateFileProcessing SessionState = "file_processing"
	StateVerifying      SessionState = "verifying"
	StateSuccess        SessionState = "success"
	StateFailure        SessionState = "failure"
)

// Summary is the display-safe appointment summary shown to a provider
// after a successful verification.
type Summary struct {
	AppointmentID int64  `json:"appointment_id"`
	ClientName    string `json:"client_name"`
	ClientPhone   string `json:"client_phone"`
	Service       string `json:"service"`
	ProviderName  string `json:"provider_name"`
	Location      string `json:"location"`
	Discount      string `json:"discount"`
}

// Verifier resolves a decoded payload against the appointment ledger
// and writes the audit trail for terminal outcomes.
type Verifier interface {
	Verify(ctx context.Context, providerID string, payload qr.Payload) (Summary, error)
	RecordRejected(ctx context.Context, providerID string)
}

// Session is one provider-side verification attempt. It moves
// scanning → verifying → success|failure; cancellation returns it to
// idle by tearing it down.
type Session struct {
	ID         string
	ProviderID string

	src    *PushSource
	handle *Handle

	mu      sync.Mutex
	state   SessionState
	summary Summary
	failure string
}

// Push feeds a frame into the session's source. Sessions whose source
// is not HTTP-fed ignore pushed frames.
func (s *Session) Push(frame image.Image) {
	if s.src != nil {
		s.src.Push(frame)
	}
}

// Snapshot returns the current state plus the terminal result, if any.
func (s *Session) Snapshot() (SessionState, Summary, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.summary, s.failure
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setSuccess(summary Summary) {
	s.mu.Lock()
	s.state = StateSuccess
	s.summary = summary
	s.mu.Unlock()
}

func (s *Session) setFailure(msg string) {
	s.mu.Lock()
	s.state = StateFailure
	s.failure = msg
	s.mu.Unlock()
}

// FailureMessage is what providers see on any rejected code. Lookup
// misses and malformed payloads are deliberately indistinguishable.
const FailureMessage = "invalid or unknown code"

// Manager owns at most one live scan session per provider. Starting a
// new session first tears the previous one down, so the old frame
// source is fully closed before the new one is acquired.
type Manager struct {
	verifier  Verifier
	sources   SourceFactory
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	baseCtx   context.Context

	// beginMu serializes teardown-then-acquire so two Begins cannot
	// hold live sources for the same provider at once.
	beginMu sync.Mutex

	mu         sync.Mutex
	byID       map[string]*Session
	byProvider map[string]*Session
}

func NewManager(ctx context.Context, verifier Verifier, sources SourceFactory, logger *slog.Logger, interval time.Duration) *Manager {
	if sources == nil {
		sources = func(string) (FrameSource, error) { return NewPushSource(), nil }
	}
	return &Manager{
		verifier:   verifier,
		sources:    sources,
		logger:     logger,
		interval:   interval,
		retention:  5 * time.Minute,
		baseCtx:    ctx,
		byID:       make(map[string]*Session),
		byProvider: make(map[string]*Session),
	}
}

// Begin starts a scanning session for the provider, replacing any
// existing one. The prior session's source is closed before the new
// source is acquired.
func (m *Manager) Begin(providerID string) (*Session, error) {
	m.beginMu.Lock()
	defer m.beginMu.Unlock()

	m.mu.Lock()
	prev := m.byProvider[providerID]
	m.mu.Unlock()
	if prev != nil {
		m.Cancel(prev.ID)
	}

	src, err := m.sources(providerID)
	if err != nil {
		return nil, err
	}
	push, ok := src.(*PushSource)
	if !ok {
		push = nil
	}

	session := &Session{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		src:        push,
		state:      StateScanning,
	}
	session.handle = Start(m.baseCtx, src, m.interval)

	m.mu.Lock()
	m.byID[session.ID] = session
	m.byProvider[providerID] = session
	m.mu.Unlock()

	go m.watch(session)
	return session, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Cancel tears the session down and removes it. It blocks until the
// frame source has been released.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	session, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		if m.byProvider[session.ProviderID] == session {
			delete(m.byProvider, session.ProviderID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	session.handle.Cancel()
	session.setState(StateIdle)
	return true
}

func (m *Manager) watch(session *Session) {
	var res Result
	select {
	case res = <-session.handle.Results():
	case <-session.handle.Done():
		// Cancelled, or the result raced with teardown.
		select {
		case res = <-session.handle.Results():
		default:
			return
		}
	}

	if res.Err != nil {
		m.logger.Info("scan session rejected code",
			"session_id", session.ID,
			"provider_id", session.ProviderID,
			"error", res.Err,
		)
		m.verifier.RecordRejected(m.baseCtx, session.ProviderID)
		session.setFailure(FailureMessage)
		m.evictLater(session)
		return
	}

	session.setState(StateVerifying)
	summary, err := m.verifier.Verify(m.baseCtx, session.ProviderID, res.Payload)
	if err != nil {
		session.setFailure(FailureMessage)
		m.evictLater(session)
		return
	}
	session.setSuccess(summary)
	m.evictLater(session)
}

// evictLater removes a terminal session after the retention window, so
// abandoned sessions do not linger until the provider's next Begin.
// The session stays pollable for the window; its source is already
// released.
func (m *Manager) evictLater(session *Session) {
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.byID[session.ID] == session {
			delete(m.byID, session.ID)
		}
		if m.byProvider[session.ProviderID] == session {
			delete(m.byProvider, session.ProviderID)
		}
	})
}
