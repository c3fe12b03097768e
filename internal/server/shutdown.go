package server

import (
	"context"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks collects cleanup steps to run when the process stops. Hooks
// run in registration order, and a failing hook never prevents the rest from
// running.
type ShutdownHooks struct {
	hooks []hook
}

// Add registers a cleanup step. Nil functions are ignored with a warning.
func (s *ShutdownHooks) Add(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// AddCloser registers a cleanup step for a resource with a Close method.
func (s *ShutdownHooks) AddCloser(name string, closer interface{ Close() error }) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}
	s.Add(name, func(context.Context) error { return closer.Close() })
}

// Execute runs every registered hook with the given context.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	for _, h := range s.hooks {
		if err := h.fn(ctx); err != nil {
			log.Warn().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
		} else {
			log.Debug().Str("hook", h.name).Msg("shutdown hook complete")
		}
	}
}
