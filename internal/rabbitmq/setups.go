package rabbitmq

import (
	"sync"
)

// SetupFunc declares topology on a channel
type SetupFunc func(ch AMQPChannel) error

type setup struct {
	key string
	fn  SetupFunc
}

// setupRegistry keeps keyed setups in registration order
type setupRegistry struct {
	mu     sync.Mutex
	setups []setup
}

// add records fn under key. It reports false if key is already registered.
func (r *setupRegistry) add(key string, fn SetupFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.setups {
		if s.key == key {
			return false
		}
	}
	r.setups = append(r.setups, setup{key: key, fn: fn})
	return true
}

func (r *setupRegistry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.setups {
		if s.key == key {
			r.setups = append(r.setups[:i], r.setups[i+1:]...)
			return
		}
	}
}

func (r *setupRegistry) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.setups {
		if s.key == key {
			return true
		}
	}
	return false
}

func (r *setupRegistry) snapshot() []setup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]setup(nil), r.setups...)
}

func (r *setupRegistry) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, len(r.setups))
	for i, s := range r.setups {
		keys[i] = s.key
	}
	return keys
}
