package rubinius

import (
	"os"
)

// Environment variables consulted for configuration defaults.
const (
	ENV_ENVIRONMENT      = "RBX_ENVIRONMENT"
	ENV_JIT_INLINE_DEBUG = "RBX_JIT_INLINE_DEBUG"
	ENV_AGENT_START      = "RBX_AGENT_START"
)

// Config carries the runtime knobs the shared state consults. A Config is
// fixed at construction except for JITInlineDebug, which Reinit clears in
// a forked child.
type Config struct {
	// Environment is a label for this runtime instance, reported through
	// the agent seam.
	Environment string

	// JITInlineDebug enables inline-decision tracing in the JIT.
	JITInlineDebug bool

	// AgentStart asks for the query agent to be started on boot.
	AgentStart bool

	errorLogger func(err error)
}

func makeDefaultConfig() Config {
	cfg := Config{
		errorLogger: func(err error) {},
	}
	if v := os.Getenv(ENV_ENVIRONMENT); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv(ENV_JIT_INLINE_DEBUG); v != "" {
		cfg.JITInlineDebug = boolValue(v)
	}
	if v := os.Getenv(ENV_AGENT_START); v != "" {
		cfg.AgentStart = boolValue(v)
	}
	return cfg
}

func boolValue(v string) bool {
	switch v {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

// Option configures the shared state at construction.
type Option interface {
	apply(*Config)
}

type optionFunc func(cfg *Config)

func (f optionFunc) apply(cfg *Config) {
	f(cfg)
}

// WithEnvironment sets the environment label for this runtime instance.
// Defaults to the RBX_ENVIRONMENT environment variable.
func WithEnvironment(env string) Option {
	return optionFunc(func(cfg *Config) {
		cfg.Environment = env
	})
}

// WithJITInlineDebug turns inline-decision tracing on or off. Defaults to
// the RBX_JIT_INLINE_DEBUG environment variable.
func WithJITInlineDebug(on bool) Option {
	return optionFunc(func(cfg *Config) {
		cfg.JITInlineDebug = on
	})
}

// WithAgentStart asks for the query agent to be started on boot. Defaults
// to the RBX_AGENT_START environment variable.
func WithAgentStart(on bool) Option {
	return optionFunc(func(cfg *Config) {
		cfg.AgentStart = on
	})
}

// WithErrorLogger sets a function to be called with errors from
// background machinery (for example for logging them).
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *Config) {
		cfg.errorLogger = f
	})
}
