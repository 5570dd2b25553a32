package internal

import (
	"log/slog"

	"github.com/starford/formsync/internal/storage"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	backend storage.Backend
	logger  *slog.Logger
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithBackend uses b instead of opening the configured storage driver.
// The application does not close b.
func WithBackend(b storage.Backend) Option {
	return func(a *application) {
		a.backend = b
	}
}

// WithLogger replaces the JSON logger built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}
