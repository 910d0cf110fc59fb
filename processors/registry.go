package processors

import (
	"sync"

	"github.com/rs/zerolog"

	"videoCaption/config"
)

// ModelRegistry owns the process-wide caption model state. Loading is lazy
// and idempotent: the first caller performs the load, concurrent callers
// block until it completes or fails, and every later caller observes the
// same outcome.
type ModelRegistry struct {
	mu     sync.Mutex
	loaded bool
	err    error
	stack  *ModelStack
	load   func() (*ModelStack, error)
}

func NewModelRegistry(cfg config.ModelConfig, log zerolog.Logger) *ModelRegistry {
	return &ModelRegistry{
		load: func() (*ModelStack, error) { return LoadModelStack(cfg, log) },
	}
}

// newModelRegistryWithLoader injects the load function, for tests.
func newModelRegistryWithLoader(load func() (*ModelStack, error)) *ModelRegistry {
	return &ModelRegistry{load: load}
}

// EnsureLoaded loads the model stack exactly once. A failed load is final
// for the life of the process: it surfaces the same error to every caller.
func (r *ModelRegistry) EnsureLoaded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.err
	}
	r.stack, r.err = r.load()
	r.loaded = true
	return r.err
}

// Stack returns the loaded model stack, or nil before a successful
// EnsureLoaded.
func (r *ModelRegistry) Stack() *ModelStack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stack
}
