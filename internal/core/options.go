package core

import (
	"log/slog"
	"time"

	"scanqa/internal/settings"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the operation metrics sink.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the service clock.
func WithClock(c Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithKnownModels restricts the evaluation model names projects may use.
func WithKnownModels(models []string) ServiceOption {
	return func(s *Service) {
		if len(models) > 0 {
			s.knownModels = append([]string(nil), models...)
		}
	}
}

// WithSettingsResolver lets the service invalidate cached setting groups it
// changes.
func WithSettingsResolver(r *settings.Resolver) ServiceOption {
	return func(s *Service) {
		s.settings = r
	}
}
