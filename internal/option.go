package internal

import "github.com/starford/gebo/internal/share"

// Option configures the application before startup.
type Option func(*application)

type application struct {
	config *Config
	notify share.Notifier
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithNotifier overrides the session notification sink. When unset, Run
// publishes session events to the SSE broker and RunMCP discards them.
func WithNotifier(n share.Notifier) Option {
	return func(a *application) {
		a.notify = n
	}
}
