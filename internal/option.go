package internal

import (
	"io"
	"os"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	input  io.Reader
	output io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithInput sets where the follow command reads console commands from.
// Defaults to stdin.
func WithInput(r io.Reader) Option {
	return func(a *application) {
		a.input = r
	}
}

// WithLogOutput sets where logs are written. Defaults to stdout, or stderr
// for the MCP server whose stdout carries the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.output = w
	}
}

func newApplication(opts []Option) (*application, error) {
	app := &application{input: os.Stdin}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, errConfigRequired
	}
	return app, nil
}
