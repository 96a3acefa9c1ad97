// Package session implements the session manager (spec §4.2): the
// (current_session, security) state machine for one ECU, its seed/key
// security-access handshake, and the tester-present keepalive scheduler
// that holds a non-default session open.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/infrastructure/logging"
	"github.com/sovd-project/sovd-server/infrastructure/metrics"
	"github.com/sovd-project/sovd-server/uds"
)

// SeedKeyFunc computes a security-access key from the ECU-issued seed for
// a given level. The algorithm itself is always OEM/ECU secret, so it is
// injected rather than implemented here.
type SeedKeyFunc func(level int, seed []byte) ([]byte, error)

// Config configures one ECU's session manager.
type Config struct {
	ECUID string
	// KeepaliveInterval is how often tester-present is sent while the
	// current session is non-default. Must be comfortably under the
	// session timeout the ECU itself enforces (typically S3 = 5s).
	KeepaliveInterval time.Duration
	SeedKey           SeedKeyFunc
}

// Manager tracks one ECU's current session and security-unlock state and
// keeps a non-default session alive with tester-present keepalives.
type Manager struct {
	cfg    Config
	client *uds.Client
	logger *logging.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	session  sovd.Session
	security sovd.SecurityState

	keepaliveCancel context.CancelFunc
	keepaliveDone   chan struct{}
}

// New constructs a Manager starting in the default session, locked.
func New(client *uds.Client, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Manager {
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 2 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		metrics:  m,
		session:  sovd.SessionDefault,
		security: sovd.SecurityState{Locked: true},
	}
}

// Current returns the manager's believed (session, security) pair. This
// is the manager's own bookkeeping, not a fresh read from the ECU.
func (m *Manager) Current() (sovd.Session, sovd.SecurityState) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.security
}

// SetSession requests a session change and, on success, starts or stops
// the keepalive scheduler to match. A transition to Default always drops
// any held security unlock, per the SecurityState invariant.
func (m *Manager) SetSession(ctx context.Context, target sovd.Session) error {
	_, _, err := m.client.DiagnosticSessionControl(ctx, byte(target))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.session = target
	if target == sovd.SessionDefault {
		m.security = sovd.SecurityState{Locked: true}
	}
	m.mu.Unlock()

	if target == sovd.SessionDefault {
		m.stopKeepalive()
	} else {
		m.startKeepalive()
	}
	return nil
}

// RequestSeed begins the two-step security access handshake.
func (m *Manager) RequestSeed(ctx context.Context, level int) ([]byte, error) {
	return m.client.SecurityAccessRequestSeed(ctx, byte(level))
}

// Unlock completes security access: it asks the injected SeedKeyFunc for
// the key matching seed and sends it, recording the unlock on success.
func (m *Manager) Unlock(ctx context.Context, level int, seed []byte) error {
	if m.cfg.SeedKey == nil {
		return errors.NewInternal("session: no SeedKeyFunc configured", nil)
	}
	key, err := m.cfg.SeedKey(level, seed)
	if err != nil {
		return errors.NewInvalidRequest("key", "seed/key computation failed")
	}
	if err := m.client.SecurityAccessSendKey(ctx, byte(level)+1, key); err != nil {
		m.mu.Lock()
		m.security = sovd.SecurityState{Locked: true}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.security = sovd.SecurityState{Locked: false, Level: level, Since: time.Now()}
	m.mu.Unlock()
	return nil
}

// Reset issues an ECU reset and forces local state back to default/locked
// regardless of the reset type, since every reset type invalidates the
// current session per ISO 14229-1.
func (m *Manager) Reset(ctx context.Context, resetType byte) error {
	_, err := m.client.ECUReset(ctx, resetType)
	m.mu.Lock()
	m.session = sovd.SessionDefault
	m.security = sovd.SecurityState{Locked: true}
	m.mu.Unlock()
	m.stopKeepalive()
	return err
}

// startKeepalive launches the tester-present ticker if one is not already
// running. Idempotent.
func (m *Manager) startKeepalive() {
	m.mu.Lock()
	if m.keepaliveCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.keepaliveCancel = cancel
	done := make(chan struct{})
	m.keepaliveDone = done
	m.mu.Unlock()

	go m.keepaliveLoop(ctx, done)
}

func (m *Manager) keepaliveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.client.TesterPresent(ctx, true); err != nil {
				if m.logger != nil {
					m.logger.LogKeepaliveFailure(ctx, err)
				}
				if m.metrics != nil {
					m.metrics.RecordKeepaliveFailure(m.cfg.ECUID)
				}
				m.mu.Lock()
				m.session = sovd.SessionDefault
				m.security = sovd.SecurityState{Locked: true}
				if m.keepaliveDone == done {
					m.keepaliveCancel = nil
					m.keepaliveDone = nil
				}
				m.mu.Unlock()
				return
			}
		}
	}
}

// stopKeepalive cancels the keepalive ticker, if running, and waits for
// its goroutine to exit.
func (m *Manager) stopKeepalive() {
	m.mu.Lock()
	cancel := m.keepaliveCancel
	done := m.keepaliveDone
	m.keepaliveCancel = nil
	m.keepaliveDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the keepalive scheduler without touching ECU state.
func (m *Manager) Close() {
	m.stopKeepalive()
}
