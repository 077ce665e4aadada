package audit

import (
	"context"
	"sync"

	"crmsync/internal"
)

// Memory is an in-process audit sink.
type Memory struct {
	mu     sync.Mutex
	events []internal.AuditEvent
}

func (m *Memory) Record(_ context.Context, ev internal.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *Memory) Events() []internal.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]internal.AuditEvent(nil), m.events...)
}

func (m *Memory) ByType(t internal.AuditType) []internal.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []internal.AuditEvent
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
