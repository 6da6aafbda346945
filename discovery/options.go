package discovery

import (
	"log/slog"
	"time"
)

type Option func(*Discover)

// WithPortRange sets the inclusive range of localhost ports nodes listen on and sweep.
func WithPortRange(startPort, endPort uint16) Option {
	return func(d *Discover) {
		d.startPort = startPort
		d.endPort = endPort
	}
}

// WithAttempts sets how many sweeps of the port range are made after start-up.
func WithAttempts(attempts uint) Option {
	return func(d *Discover) {
		d.attempts = attempts
	}
}

func WithInterval(interval time.Duration) Option {
	return func(d *Discover) {
		d.interval = interval
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Discover) {
		d.log = l
	}
}
