package sentry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"

	"litellm-exporter/pkg/errors"
)

// ErrThrottled is returned when an event was dropped by the rate limiter
var ErrThrottled = errors.New("error report throttled")

// Tracker implements error tracking via Sentry.
// A failing event store produces one error per export cycle, so reports are rate limited.
type Tracker struct {
	hub     *sentry.Hub
	limiter *rate.Limiter
}

var _ errors.Tracker = (*Tracker)(nil)

// Options configures the Sentry tracker
type Options struct {
	DSN          string
	Environment  string
	Release      string
	MaxPerMinute int
}

// New creates a new Sentry tracker
func New(opts Options) (*Tracker, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to init sentry")
	}

	return newTracker(sentry.CurrentHub(), opts.MaxPerMinute), nil
}

func newTracker(hub *sentry.Hub, maxPerMinute int) *Tracker {
	if maxPerMinute <= 0 {
		maxPerMinute = 10
	}
	return &Tracker{
		hub:     hub,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), maxPerMinute),
	}
}

// CaptureError sends an error to Sentry
func (t *Tracker) CaptureError(ctx context.Context, err error, tags map[string]string) error {
	if err == nil {
		return nil
	}
	if !t.limiter.Allow() {
		return ErrThrottled
	}

	hub := t.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})

	hub.CaptureException(err)
	return nil
}

// CaptureMessage sends a message to Sentry
func (t *Tracker) CaptureMessage(ctx context.Context, message string, level errors.Level, tags map[string]string) error {
	if !t.limiter.Allow() {
		return ErrThrottled
	}

	hub := t.hub.Clone()
	sentryLevel := convertLevel(level)
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentryLevel)
	})

	hub.CaptureMessage(message)
	return nil
}

// Flush waits for pending events, bounded by the context deadline (2s without one)
func (t *Tracker) Flush(ctx context.Context) error {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !t.hub.Flush(timeout) {
		return errors.New("sentry flush timed out")
	}
	return nil
}

func convertLevel(level errors.Level) sentry.Level {
	switch level {
	case errors.LevelDebug:
		return sentry.LevelDebug
	case errors.LevelInfo:
		return sentry.LevelInfo
	case errors.LevelWarning:
		return sentry.LevelWarning
	case errors.LevelError:
		return sentry.LevelError
	case errors.LevelFatal:
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}
