package usbmon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsInOrder(t *testing.T) {
	w := newWorker()
	defer w.shutdown()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		n := i
		require.True(t, w.post(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 10)
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestWorkerDrainsOnShutdown(t *testing.T) {
	w := newWorker()

	gate := make(chan struct{})
	done := make(chan struct{})
	w.post(func() { <-gate })
	w.post(func() { close(done) })

	w.shutdown()
	assert.False(t, w.post(func() {}), "post after shutdown is rejected")

	close(gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued task was not drained after shutdown")
	}
}

func TestTicketResolution(t *testing.T) {
	ticket := newPermissionTicket()
	ticket.addPending("a")
	ticket.addPending("b")
	assert.False(t, ticket.Resolved())

	ticket.resolveDevice("a", true)
	assert.False(t, ticket.Resolved(), "still waiting on b")

	ticket.resolveDevice("b", true)
	assert.True(t, ticket.Resolved())
	assert.True(t, ticket.Granted())
	select {
	case <-ticket.Done():
	default:
		t.Fatal("Done channel must be closed once resolved")
	}
}

func TestTicketPartialDenial(t *testing.T) {
	ticket := newPermissionTicket()
	ticket.addPending("a")
	ticket.addPending("b")

	ticket.resolveDevice("a", false)
	ticket.resolveDevice("b", true)
	assert.True(t, ticket.Resolved())
	assert.False(t, ticket.Granted(), "one denial makes the whole ticket denied")
}

func TestTicketResolveNow(t *testing.T) {
	ticket := newPermissionTicket()
	ticket.addPending("a")
	ticket.resolveNow(false)
	assert.True(t, ticket.Resolved())
	assert.False(t, ticket.Granted())

	// late per-device resolutions cannot flip the outcome
	ticket.resolveDevice("a", true)
	assert.False(t, ticket.Granted())
}
