package kernel

import (
	"log/slog"

	"github.com/nexuscore/agentkernel/internal/eventbus"
)

// defaultListenerCap is the Kernel's per-bus warning threshold, distinct
// from the Agent Manager's higher default (spec.md §4.1).
const defaultListenerCap = 20

// Config holds a Kernel's construction-time dependencies, mirroring the
// teacher's sandbox Executor Config.
type Config struct {
	ID          string
	Interpreter Interpreter
	Bus         *eventbus.Bus
	ListenerCap int
	Logger      *slog.Logger
}

// Option configures a Config. Grounded on the functional-options pattern
// in internal/tools/sandbox/executor.go (WithBackend, WithPoolSize, ...).
type Option func(*Config)

// WithID sets the kernel's opaque identifier.
func WithID(id string) Option {
	return func(c *Config) { c.ID = id }
}

// WithInterpreter sets the embedded interpreter backend.
func WithInterpreter(i Interpreter) Option {
	return func(c *Config) { c.Interpreter = i }
}

// WithBus supplies a pre-built event bus instead of letting New create one.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Config) { c.Bus = bus }
}

// WithListenerCap overrides the default per-bus listener-count warning
// threshold used when New creates its own bus.
func WithListenerCap(n int) Option {
	return func(c *Config) { c.ListenerCap = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// New builds a Kernel in StatusUnknown, uninitialized. Interpreter is
// required; New panics if none is supplied, since a kernel without an
// interpreter cannot honor any part of its contract.
func New(opts ...Option) *Kernel {
	cfg := &Config{ListenerCap: defaultListenerCap}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Interpreter == nil {
		panic("kernel: New requires WithInterpreter")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.New(cfg.ListenerCap, cfg.Logger)
	}

	return &Kernel{
		id:          cfg.ID,
		interpreter: cfg.Interpreter,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		status:      StatusUnknown,
	}
}
