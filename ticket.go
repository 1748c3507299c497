package usbmon

import (
	"sync"

	"github.com/google/uuid"
)

// PermissionTicket tracks one RequestPermission call. The ticket resolves
// when the host's asynchronous grant or deny arrives for every device the
// request covered; callers wait on Done instead of busy-polling. A ticket
// that required nothing from the host is resolved before it is returned.
type PermissionTicket struct {
	id   uuid.UUID
	done chan struct{}

	mu       sync.Mutex
	pending  map[string]struct{}
	granted  bool
	resolved bool
}

func newPermissionTicket() *PermissionTicket {
	return &PermissionTicket{
		id:      uuid.New(),
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
		granted: true,
	}
}

// ID identifies the ticket in logs.
func (t *PermissionTicket) ID() uuid.UUID { return t.id }

// Done is closed once the ticket has resolved.
func (t *PermissionTicket) Done() <-chan struct{} { return t.done }

func (t *PermissionTicket) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// Granted reports whether every device in the request ended up permitted.
// Only meaningful after the ticket has resolved.
func (t *PermissionTicket) Granted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved && t.granted
}

func (t *PermissionTicket) addPending(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key] = struct{}{}
}

// resolveDevice records one device's outcome and resolves the ticket when no
// devices remain pending.
func (t *PermissionTicket) resolveDevice(key string, granted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return
	}
	delete(t.pending, key)
	if !granted {
		t.granted = false
	}
	if len(t.pending) == 0 {
		t.resolved = true
		close(t.done)
	}
}

// resolveNow settles the ticket immediately, regardless of pending devices.
func (t *PermissionTicket) resolveNow(granted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return
	}
	t.granted = granted
	t.resolved = true
	close(t.done)
}
