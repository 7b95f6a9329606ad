// Package reconnect decides when to attempt the next connection open,
// computing exponential backoff with jitter and scheduling each attempt as
// a one-time gocron job.
package reconnect

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"hassconn/go_src/protocol"
)

const (
	// DefaultBase is the base delay before the first backed-off attempt.
	DefaultBase = time.Second
	// DefaultCap bounds how large a single backoff delay can grow.
	DefaultCap = 60 * time.Second
)

// Manager schedules reconnect attempts after an unexpected disconnect and
// suppresses them while permanently disconnected. It owns no connection
// state itself; the attempt callback passed to New is invoked by the
// scheduler on the orchestrator's behalf.
type Manager struct {
	mu sync.Mutex

	base time.Duration
	cap  time.Duration

	scheduler gocron.Scheduler
	attempts  uint // number of consecutive failed attempts since the last success

	permanent bool
	pending   gocron.Job

	attempt func()
	logger  protocol.Logger

	now func() time.Time
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithBackoff overrides the default base/cap delays. Intended for tests
// that don't want to wait a full minute for the cap to matter.
func WithBackoff(base, cap time.Duration) Option {
	return func(m *Manager) {
		m.base = base
		m.cap = cap
	}
}

// WithClock overrides the time source ScheduleNext uses to compute when a
// scheduled attempt starts (now + delay). Delay itself, jitter included,
// does not read the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager. attempt is invoked (on the scheduler's goroutine)
// every time a backoff timer fires; it is expected to try connect() and
// let phase transitions drive ResetBackoff/ScheduleNext as appropriate.
func New(attempt func(), logger protocol.Logger, opts ...Option) (*Manager, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = protocol.NopLogger{}
	}
	m := &Manager{
		base:      DefaultBase,
		cap:       DefaultCap,
		scheduler: scheduler,
		attempt:   attempt,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	scheduler.Start()
	return m, nil
}

// Delay computes delay(n) = min(cap, base*2^n) + jitter, jitter uniform in
// [0, 0.5*delay]. n is the number of consecutive failed attempts so far.
func (m *Manager) Delay(n uint) time.Duration {
	raw := float64(m.base) * math.Pow(2, float64(n))
	if raw > float64(m.cap) {
		raw = float64(m.cap)
	}
	jitter := rand.Float64() * 0.5 * raw
	return time.Duration(raw + jitter)
}

// ResetBackoff is called on successful reach of Command phase.
func (m *Manager) ResetBackoff() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// ScheduleNext is called on an unexpected disconnect: it schedules the
// next open attempt after Delay(attempts), then increments attempts.
// It is a no-op while a permanent disconnect is in effect.
func (m *Manager) ScheduleNext() {
	m.mu.Lock()
	if m.permanent {
		m.mu.Unlock()
		return
	}
	delay := m.Delay(m.attempts)
	m.attempts++
	attempt := m.attempt
	m.mu.Unlock()

	job, err := m.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(m.now().Add(delay))),
		gocron.NewTask(func() {
			if attempt != nil {
				attempt()
			}
		}),
		gocron.WithName("hassconn-reconnect"),
	)
	if err != nil {
		m.logger.Errorf("reconnect: failed to schedule next attempt: %v", err)
		return
	}
	m.mu.Lock()
	m.pending = job
	m.mu.Unlock()
	m.logger.Infof("reconnect: next attempt scheduled in %s", delay)
}

// SetPermanent suppresses (true) or re-enables (false) scheduling further
// attempts. disconnect(permanent=true) calls this with true; a later
// connect() call resets it to false.
func (m *Manager) SetPermanent(permanent bool) {
	m.mu.Lock()
	m.permanent = permanent
	if permanent && m.pending != nil {
		_ = m.scheduler.RemoveJob(m.pending.ID())
		m.pending = nil
	}
	m.mu.Unlock()
}

// Stop shuts the underlying scheduler down. Call once, on final teardown.
func (m *Manager) Stop() error {
	return m.scheduler.Shutdown()
}
