package dispatcher

import (
	"sync"
	"time"

	"github.com/ksred/klear-signals/internal/surface"
)

// Handle is a running worker bound to a slot.
type Handle struct {
	Slot      surface.Slot
	MessageID int64
	RunID     string
	StartedAt time.Time

	done chan struct{}
	once sync.Once
}

// Alive reports whether the worker has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed when the worker exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) release() {
	h.once.Do(func() { close(h.done) })
}

// Binding is a read-only view of a live handle.
type Binding struct {
	Slot      surface.Slot `json:"slot"`
	MessageID int64        `json:"message_id"`
	RunID     string       `json:"run_id"`
	StartedAt time.Time    `json:"started_at"`
}

// Registry tracks which slot runs which signal. A slot whose worker exited
// counts as free even before it is reaped.
type Registry struct {
	mu      sync.Mutex
	slots   []surface.Slot
	handles []*Handle
}

// NewRegistry creates one slot per profile.
func NewRegistry(profiles []string) *Registry {
	slots := make([]surface.Slot, len(profiles))
	for i, p := range profiles {
		slots[i] = surface.Slot{Index: i, Profile: p}
	}
	return &Registry{
		slots:   slots,
		handles: make([]*Handle, len(profiles)),
	}
}

// Size is the pool size K.
func (r *Registry) Size() int {
	return len(r.slots)
}

// Acquire binds messageID to the first free slot.
func (r *Registry) Acquire(messageID int64, runID string, now time.Time) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.handles {
		if h != nil && h.Alive() {
			continue
		}
		handle := &Handle{
			Slot:      r.slots[i],
			MessageID: messageID,
			RunID:     runID,
			StartedAt: now,
			done:      make(chan struct{}),
		}
		r.handles[i] = handle
		return handle, true
	}
	return nil, false
}

// Bound reports whether messageID is held by a live worker.
func (r *Registry) Bound(messageID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.handles {
		if h != nil && h.MessageID == messageID && h.Alive() {
			return true
		}
	}
	return false
}

// Reap clears the handles of exited workers and returns them.
func (r *Registry) Reap() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []*Handle
	for i, h := range r.handles {
		if h != nil && !h.Alive() {
			reaped = append(reaped, h)
			r.handles[i] = nil
		}
	}
	return reaped
}

// Live lists the current bindings in slot order.
func (r *Registry) Live() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	bindings := make([]Binding, 0, len(r.handles))
	for _, h := range r.handles {
		if h == nil || !h.Alive() {
			continue
		}
		bindings = append(bindings, Binding{
			Slot:      h.Slot,
			MessageID: h.MessageID,
			RunID:     h.RunID,
			StartedAt: h.StartedAt,
		})
	}
	return bindings
}
