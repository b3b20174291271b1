package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
)

var (
	// ErrCircuitOpen is returned while the circuit breaker refuses attempts
	ErrCircuitOpen = errors.New("circuit breaker is open - too many consecutive failures")

	// ErrBackoffActive is returned when an attempt comes before the current backoff elapsed
	ErrBackoffActive = errors.New("reconnect backoff still active")
)

// Manager paces reconnection attempts to a store with exponential backoff and a circuit breaker.
// It never sleeps: callers that run on a fixed schedule ask TryReconnect on every tick and the
// manager decides whether enough time has passed since the last failure.
type Manager struct {
	name              string
	minBackoff        time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	maxRetries        int
	circuitResetAfter time.Duration

	mu                  sync.RWMutex
	currentBackoff      time.Duration
	consecutiveFailures int
	totalReconnects     int
	lastFailureAt       time.Time
	circuitOpen         bool
	circuitOpenedAt     time.Time

	clock  quartz.Clock
	logger *logger.Logger
}

// Config configures the reconnect manager
type Config struct {
	Name              string        // Store name used in logs (e.g. "postgres")
	MinBackoff        time.Duration // Initial backoff (e.g. 1s)
	MaxBackoff        time.Duration // Max backoff (e.g. 5min)
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g. 2.0)
	MaxRetries        int           // Consecutive failures before opening circuit
	CircuitResetAfter time.Duration // How long the circuit stays open (e.g. 5min)
	Clock             quartz.Clock
}

// NewManager creates a new reconnect manager with sensible defaults
func NewManager(config Config, log *logger.Logger) *Manager {
	if config.MinBackoff == 0 {
		config.MinBackoff = 1 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 5 * time.Minute
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}
	if config.CircuitResetAfter == 0 {
		config.CircuitResetAfter = 5 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}

	return &Manager{
		name:              config.Name,
		minBackoff:        config.MinBackoff,
		maxBackoff:        config.MaxBackoff,
		backoffMultiplier: config.BackoffMultiplier,
		maxRetries:        config.MaxRetries,
		circuitResetAfter: config.CircuitResetAfter,
		currentBackoff:    config.MinBackoff,
		clock:             config.Clock,
		logger:            log.With("store", config.Name),
	}
}

// ShouldRetry returns whether an attempt is allowed right now
func (m *Manager) ShouldRetry() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shouldRetryLocked() == nil
}

func (m *Manager) shouldRetryLocked() error {
	now := m.clock.Now()

	if m.circuitOpen {
		if now.Sub(m.circuitOpenedAt) < m.circuitResetAfter {
			return ErrCircuitOpen
		}
		// Reset period elapsed: half-open, allow one probe
		return nil
	}

	if m.consecutiveFailures > 0 && now.Sub(m.lastFailureAt) < m.currentBackoff {
		return ErrBackoffActive
	}

	return nil
}

// GetBackoff returns current backoff duration
func (m *Manager) GetBackoff() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentBackoff
}

// RecordFailure records a reconnection failure and updates backoff
func (m *Manager) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveFailures++
	m.lastFailureAt = m.clock.Now()

	if m.consecutiveFailures > 1 {
		newBackoff := time.Duration(float64(m.currentBackoff) * m.backoffMultiplier)
		if newBackoff > m.maxBackoff {
			newBackoff = m.maxBackoff
		}
		m.currentBackoff = newBackoff
	}

	m.logger.Warnw("Reconnection failed",
		"consecutive_failures", m.consecutiveFailures,
		"next_backoff", m.currentBackoff,
	)

	if m.maxRetries > 0 && m.consecutiveFailures >= m.maxRetries {
		if !m.circuitOpen {
			m.logger.Errorw("Circuit breaker OPENED - too many consecutive failures",
				"consecutive_failures", m.consecutiveFailures,
				"max_retries", m.maxRetries,
				"circuit_reset_after", m.circuitResetAfter,
			)
		}
		m.circuitOpen = true
		m.circuitOpenedAt = m.lastFailureAt
	}
}

// RecordSuccess records a successful reconnection
func (m *Manager) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutiveFailures > 0 {
		m.logger.Infow("Reconnection successful, resetting backoff",
			"previous_consecutive_failures", m.consecutiveFailures,
		)
	}

	m.currentBackoff = m.minBackoff
	m.consecutiveFailures = 0
	m.totalReconnects++
	m.lastFailureAt = time.Time{}

	if m.circuitOpen {
		m.logger.Infow("Circuit breaker CLOSED - connection restored",
			"total_reconnects", m.totalReconnects,
		)
		m.circuitOpen = false
		m.circuitOpenedAt = time.Time{}
	}
}

// ResetCircuit manually resets the circuit breaker
func (m *Manager) ResetCircuit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.circuitOpen {
		m.logger.Infow("Manually resetting circuit breaker")
		m.circuitOpen = false
		m.circuitOpenedAt = time.Time{}
		m.consecutiveFailures = 0
		m.currentBackoff = m.minBackoff
	}
}

// GetStats returns current reconnect manager stats
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		ConsecutiveFailures: m.consecutiveFailures,
		TotalReconnects:     m.totalReconnects,
		CurrentBackoff:      m.currentBackoff,
		CircuitOpen:         m.circuitOpen,
		CircuitOpenedAt:     m.circuitOpenedAt,
		LastFailureAt:       m.lastFailureAt,
	}
}

// Stats contains reconnection statistics
type Stats struct {
	ConsecutiveFailures int
	TotalReconnects     int
	CurrentBackoff      time.Duration
	CircuitOpen         bool
	CircuitOpenedAt     time.Time
	LastFailureAt       time.Time
}

// TryReconnect runs reconnectFn if the backoff and circuit breaker allow it.
// Returns ErrBackoffActive / ErrCircuitOpen without calling reconnectFn otherwise.
func (m *Manager) TryReconnect(ctx context.Context, reconnectFn func(context.Context) error) error {
	m.mu.RLock()
	gate := m.shouldRetryLocked()
	m.mu.RUnlock()
	if gate != nil {
		return gate
	}

	m.logger.Infow("Attempting reconnection")

	if err := reconnectFn(ctx); err != nil {
		m.RecordFailure()
		return errors.Wrap(err, "reconnection failed")
	}

	m.RecordSuccess()
	return nil
}
