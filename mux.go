package delivery

import (
	"context"
	"sync"
)

// Mux routes change notifications to the handler registered for their collection.
// Changes for unregistered collections are dropped.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]ChangeHandler
	logger   Logger
}

// NewMux returns an empty Mux. A nil logger discards output.
func NewMux(logger Logger) *Mux {
	if logger == nil {
		logger = NopLogger{}
	}

	return &Mux{handlers: make(map[string]ChangeHandler), logger: logger}
}

// Handle registers handler for collection, replacing any previous one.
func (m *Mux) Handle(collection string, handler ChangeHandler) {
	if collection == "" {
		panic("delivery: empty collection")
	}
	if handler == nil {
		panic("delivery: nil ChangeHandler")
	}

	m.mu.Lock()
	m.handlers[collection] = handler
	m.mu.Unlock()
}

// Collections returns the registered collection names.
func (m *Mux) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}

	return out
}

// HandleChange implements ChangeHandler.
func (m *Mux) HandleChange(ctx context.Context, change Change) error {
	m.mu.RLock()
	handler, ok := m.handlers[change.Ref.Collection]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("delivery change for unrouted collection", refArgs(change.Ref)...)

		return nil
	}

	return handler.HandleChange(ctx, change)
}
