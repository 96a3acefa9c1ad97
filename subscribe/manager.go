// Package subscribe implements the subscription manager (spec §4.6):
// periodic data delivery emulated by polling a backend at client-requested
// rates and fanning the result out to multiple subscribers. Overlapping
// subscriptions coalesce into one read per interval per parameter, the
// fastest subscriber's rate driving the read cadence.
package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/infrastructure/logging"
	"github.com/sovd-project/sovd-server/infrastructure/metrics"
)

// Reader is the subset of backend.Backend the manager polls. A manager is
// bound to exactly one backend, matching spec §4.6's "subscriptions
// spanning multiple backends are rejected at creation" — a gateway caller
// is expected to validate a subscription's param_ids share one child
// prefix before handing it to that child's manager.
type Reader interface {
	ReadMany(ctx context.Context, paramIDs []string) (map[string]interface{}, error)
}

// MaxRateHz bounds the fastest subscription rate a manager will accept;
// above this the polling loop would busy-spin the transport gate.
const MaxRateHz = 100.0

// DefaultChannelBuffer is the per-subscription delivery channel depth
// before a subscriber is considered lagging.
const DefaultChannelBuffer = 16

// DefaultLagThreshold is the number of consecutive dropped deliveries
// before a subscription is torn down as lagging.
const DefaultLagThreshold = 5

// ErrLagging is the reason recorded when a subscription is torn down
// because its subscriber could not keep up.
var ErrLagging = errors.New(errors.Internal, "subscriber could not keep up and was dropped")

// Config configures a Manager.
type Config struct {
	ChannelBuffer int
	LagThreshold  int
}

func (c Config) withDefaults() Config {
	if c.ChannelBuffer <= 0 {
		c.ChannelBuffer = DefaultChannelBuffer
	}
	if c.LagThreshold <= 0 {
		c.LagThreshold = DefaultLagThreshold
	}
	return c
}

type cacheEntry struct {
	value  interface{}
	readAt time.Time
}

// Manager polls one backend on behalf of many subscriptions.
type Manager struct {
	backend Reader
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	mu   sync.Mutex
	subs map[string]*Handle
}

// New constructs a Manager polling backend. logger and m may be nil.
func New(backend Reader, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		cache:   make(map[string]cacheEntry),
		subs:    make(map[string]*Handle),
	}
}

// Handle is a live subscription: its data channel, metadata, and
// cancellation.
type Handle struct {
	sovd.Subscription

	c      chan sovd.DataPoint
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	errMu  sync.Mutex
}

// C returns the channel of delivered samples. It is closed when the
// subscription is deleted or dropped for lagging; check Err after it
// closes to distinguish the two.
func (h *Handle) C() <-chan sovd.DataPoint { return h.c }

// Done is closed right after C when the subscription ends, so callers can
// select on it instead of draining C.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the subscription ended, nil for an explicit deletion.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	h.err = err
	h.errMu.Unlock()
}

// Create validates and starts a new subscription. rateHz must be positive
// and at most MaxRateHz; paramIDs must be non-empty.
func (m *Manager) Create(ctx context.Context, paramIDs []string, rateHz float64, deadline *time.Time) (*Handle, error) {
	if len(paramIDs) == 0 {
		return nil, errors.NewInvalidRequest("param_ids", "subscription requires at least one parameter")
	}
	if rateHz <= 0 {
		return nil, errors.NewInvalidRequest("rate_hz", "rate must be positive")
	}
	if rateHz > MaxRateHz {
		return nil, errors.NewRateLimited(rateHz, MaxRateHz)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		Subscription: sovd.Subscription{
			ID:        uuid.New().String(),
			ParamIDs:  append([]string(nil), paramIDs...),
			RateHz:    rateHz,
			CreatedAt: time.Now(),
			Deadline:  deadline,
		},
		c:      make(chan sovd.DataPoint, m.cfg.ChannelBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	m.mu.Lock()
	m.subs[h.ID] = h
	count := len(m.subs)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetActiveSubscriptions(count)
	}

	go m.run(hctx, h)
	return h, nil
}

// Delete terminates a subscription's delivery. Its channel closes within
// one polling interval.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	h, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	count := len(m.subs)
	m.mu.Unlock()
	if !ok {
		return errors.NotFound(errors.EntityNotFound, "subscription", id)
	}
	h.cancel()
	if m.metrics != nil {
		m.metrics.SetActiveSubscriptions(count)
	}
	return nil
}

// List returns a metadata snapshot of every live subscription.
func (m *Manager) List() []sovd.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sovd.Subscription, 0, len(m.subs))
	for _, h := range m.subs {
		out = append(out, h.Subscription)
	}
	return out
}

// Close cancels every live subscription, for use on backend shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.subs))
	for _, h := range m.subs {
		handles = append(handles, h)
	}
	m.subs = make(map[string]*Handle)
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

func (m *Manager) run(ctx context.Context, h *Handle) {
	period := time.Duration(float64(time.Second) / h.RateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer m.finish(h)

	var seq uint64
	drops := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Deadline != nil && time.Now().After(*h.Deadline) {
				return
			}

			values, err := m.coalescedRead(ctx, h.ParamIDs, period)
			if err != nil {
				if m.logger != nil {
					m.logger.LogTransportError(ctx, err)
				}
				continue // skip this interval, do not retry within it
			}

			seq++
			point := sovd.DataPoint{Timestamp: time.Now(), Seq: seq, Values: values}
			select {
			case h.c <- point:
				drops = 0
			default:
				drops++
				if drops >= m.cfg.LagThreshold {
					h.setErr(ErrLagging)
					return
				}
			}
		}
	}
}

func (m *Manager) finish(h *Handle) {
	m.mu.Lock()
	delete(m.subs, h.ID)
	count := len(m.subs)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetActiveSubscriptions(count)
	}
	close(h.c)
	close(h.done)
}

// coalescedRead serves paramIDs from a shared cache when a fresher read
// already happened within maxAge (driven by a faster concurrent
// subscriber), issuing a single batched read for whichever params are
// stale.
func (m *Manager) coalescedRead(ctx context.Context, paramIDs []string, maxAge time.Duration) (map[string]interface{}, error) {
	now := time.Now()

	m.cacheMu.Lock()
	out := make(map[string]interface{}, len(paramIDs))
	var stale []string
	for _, id := range paramIDs {
		if e, ok := m.cache[id]; ok && now.Sub(e.readAt) < maxAge {
			out[id] = e.value
		} else {
			stale = append(stale, id)
		}
	}
	m.cacheMu.Unlock()

	if len(stale) == 0 {
		return out, nil
	}

	fresh, err := m.backend.ReadMany(ctx, stale)
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	for id, v := range fresh {
		m.cache[id] = cacheEntry{value: v, readAt: now}
		out[id] = v
	}
	m.cacheMu.Unlock()

	return out, nil
}
