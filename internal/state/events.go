package state

import "github.com/sqp-sync/backend/internal/storage/models"

// Subscribe returns a channel of status changes and a cancel func. Events are
// dropped for subscribers whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) publish(from models.PipelineStatus, state *models.PipelineState) {
	e := Event{
		PipelineID: m.pipelineID,
		From:       from,
		To:         state.Status,
		Step:       state.CurrentStep,
		At:         state.UpdatedAt,
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
