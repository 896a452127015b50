package prompt

import (
	"log/slog"
	"time"
)

const (
	DefaultCreateVersionAttempts = 8
	DefaultActivationRetries     = 1
)

type settings struct {
	now               func() time.Time
	logger            *slog.Logger
	createAttempts    int
	activationRetries int
}

type Option func(*settings)

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithCreateAttempts bounds the recompute-and-resubmit loop of CreateVersion.
func WithCreateAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.createAttempts = n
		}
	}
}

// WithActivationRetries sets how many times a conflicting activation or
// rollback is retried against reloaded state.
func WithActivationRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.activationRetries = n
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		now:               time.Now,
		logger:            slog.Default(),
		createAttempts:    DefaultCreateVersionAttempts,
		activationRetries: DefaultActivationRetries,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
