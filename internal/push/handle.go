package push

import "sync"

type handle struct {
	mu        sync.RWMutex
	callbacks map[string][]func([]byte)
}

func newHandle() *handle {
	return &handle{callbacks: make(map[string][]func([]byte))}
}

func (h *handle) On(event string, fn func(payload []byte)) {
	h.mu.Lock()
	h.callbacks[event] = append(h.callbacks[event], fn)
	h.mu.Unlock()
}

// dispatch runs the callbacks for event and reports whether any existed.
func (h *handle) dispatch(event string, payload []byte) bool {
	h.mu.RLock()
	fns := h.callbacks[event]
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
	return len(fns) > 0
}
