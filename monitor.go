// Package usbmon watches the host's USB bus for UVC cameras and HID
// peripherals, drives the permission handshake with the host, and manages
// the lifecycle of opened device connections. Discovery is a hybrid of the
// backend's attach/detach events and a defensive polling loop, because
// attach notifications are not reliable on every platform; both paths feed
// a single connect listener on a background worker.
package usbmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openuvc/usbmon/pkg/hostusb"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultInitialDelay = 1 * time.Second
)

// Option configures a DeviceMonitor.
type Option func(*DeviceMonitor)

// WithLogger replaces the default logrus entry.
func WithLogger(log *logrus.Entry) Option {
	return func(m *DeviceMonitor) { m.log = log }
}

// WithPollInterval sets the delay between discovery poll ticks.
func WithPollInterval(d time.Duration) Option {
	return func(m *DeviceMonitor) { m.pollInterval = d }
}

// WithInitialDelay sets the delay before the first poll tick after Register.
func WithInitialDelay(d time.Duration) Option {
	return func(m *DeviceMonitor) { m.initialDelay = d }
}

// WithFilters sets the filter list the discovery poll applies. Without
// filters every attached device is considered.
func WithFilters(filters ...*DeviceFilter) Option {
	return func(m *DeviceMonitor) { m.filters = filters }
}

// DeviceMonitor orchestrates discovery polling, permission requests,
// connect/cancel/attach/detach dispatch and the control-block registry.
// Lifecycle: NewDeviceMonitor, then Register and Unregister as needed, then
// Destroy; Destroy is terminal.
type DeviceMonitor struct {
	backend  hostusb.Backend
	listener ConnectListener
	log      *logrus.Entry
	filters  []*DeviceFilter

	pollInterval time.Duration
	initialDelay time.Duration

	primary   *worker
	secondary *worker

	mu          sync.Mutex
	destroyed   bool
	registered  bool
	blocks      map[string]*ControlBlock // device key -> open block
	permission  map[string]*hostusb.Device
	working     []*hostusb.Device
	tickets     map[string][]*PermissionTicket // all pending tickets per key
	deviceCount int
	stop        chan struct{}

	destroyOnce sync.Once
}

// NewDeviceMonitor binds the host backend and the connect listener. The
// monitor does not own the backend; the caller closes it after Destroy.
func NewDeviceMonitor(backend hostusb.Backend, listener ConnectListener, opts ...Option) *DeviceMonitor {
	m := &DeviceMonitor{
		backend:      backend,
		listener:     listener,
		log:          logrus.WithField("component", "usbmon"),
		pollInterval: defaultPollInterval,
		initialDelay: defaultInitialDelay,
		primary:      newWorker(),
		secondary:    newWorker(),
		blocks:       make(map[string]*ControlBlock),
		permission:   make(map[string]*hostusb.Device),
		tickets:      make(map[string][]*PermissionTicket),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register subscribes to the backend's events and starts the discovery poll
// loop. Calling Register while already registered is a no-op.
func (m *DeviceMonitor) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	if m.backend == nil || m.listener == nil {
		return ErrNotInitialized
	}
	if m.registered {
		return nil
	}
	m.registered = true
	m.deviceCount = 0
	m.stop = make(chan struct{})
	go m.eventPump(m.stop)
	go m.pollLoop(m.stop)
	return nil
}

// Unregister stops the polling loop and the event subscription. Open
// control blocks stay usable; this stops watching for new devices, it does
// not tear down active sessions.
func (m *DeviceMonitor) Unregister() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	m.unregisterLocked()
	return nil
}

func (m *DeviceMonitor) unregisterLocked() {
	m.deviceCount = 0
	// the event pump stops with the subscription; nothing will answer
	// outstanding permission requests, so settle them now
	tickets := m.tickets
	m.tickets = make(map[string][]*PermissionTicket)
	for _, ts := range tickets {
		for _, t := range ts {
			t.resolveNow(false)
		}
	}
	if m.registered {
		m.registered = false
		close(m.stop)
		m.stop = nil
	}
}

// IsRegistered reports whether the monitor is subscribed and not destroyed.
func (m *DeviceMonitor) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.destroyed && m.registered
}

func (m *DeviceMonitor) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Destroy is terminal: it unregisters, closes every control block in the
// registry, clears it and shuts down the background workers. Concurrent
// calls run the teardown at most once. Do not call Destroy from a listener
// callback.
func (m *DeviceMonitor) Destroy() {
	m.destroyOnce.Do(func() {
		m.mu.Lock()
		m.destroyed = true
		m.unregisterLocked()
		blocks := make([]*ControlBlock, 0, len(m.blocks))
		for _, cb := range m.blocks {
			blocks = append(blocks, cb)
		}
		m.blocks = make(map[string]*ControlBlock)
		m.permission = make(map[string]*hostusb.Device)
		m.mu.Unlock()

		for _, cb := range blocks {
			if err := cb.Close(); err != nil {
				m.log.Errorf("destroy: failed to close %s: %v", cb.DeviceName(), err)
			}
		}
		m.primary.shutdown()
		m.secondary.shutdown()
	})
}

// eventPump moves backend events onto the primary worker so they are
// processed one at a time, in order, never overlapping the poll tick.
func (m *DeviceMonitor) eventPump(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-m.backend.Events():
			if !ok {
				return
			}
			m.primary.post(func() { m.handleEvent(ev) })
		}
	}
}

func (m *DeviceMonitor) pollLoop(stop chan struct{}) {
	timer := time.NewTimer(m.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			m.primary.post(m.pollTick)
			timer.Reset(m.pollInterval)
		}
	}
}

// pollTick re-enumerates attached devices, clears and rebuilds the
// permission cache, and dispatches an attach notification per visible device
// when either the device count or the permitted count grew since the last
// tick. Runs on the primary worker.
func (m *DeviceMonitor) pollTick() {
	if !m.IsRegistered() {
		return
	}
	devices := m.deviceList()

	m.mu.Lock()
	prevPermitted := len(m.permission)
	m.permission = make(map[string]*hostusb.Device)
	m.mu.Unlock()
	for _, dev := range devices {
		m.hasPermission(dev)
	}

	m.mu.Lock()
	grew := len(devices) > m.deviceCount || len(m.permission) > prevPermitted
	if grew {
		m.deviceCount = len(devices)
	}
	m.mu.Unlock()

	if grew {
		for _, dev := range devices {
			m.notifyAttach(dev)
		}
	}
}

// deviceList enumerates the devices passing the monitor's filter list; with
// no filters every device passes. The first filter matching a device
// decides, and exclusion filters drop it.
func (m *DeviceMonitor) deviceList() []*hostusb.Device {
	devices, err := m.backend.Devices()
	if err != nil {
		m.log.Warnf("enumeration failed: %v", err)
		return nil
	}
	if len(m.filters) == 0 {
		return devices
	}
	var result []*hostusb.Device
	for _, dev := range devices {
		for _, f := range m.filters {
			if f.Matches(dev) {
				if !f.Exclude {
					result = append(result, dev)
				}
				break
			}
		}
	}
	return result
}

// ListDevices returns the attached devices matching the filter, or nil after
// Destroy. A nil filter matches everything. Matched devices are also
// remembered in the monitor's working set.
func (m *DeviceMonitor) ListDevices(f *DeviceFilter) []*hostusb.Device {
	if m.isDestroyed() {
		return nil
	}
	devices, err := m.backend.Devices()
	if err != nil {
		m.log.Warnf("enumeration failed: %v", err)
		return nil
	}
	result := make([]*hostusb.Device, 0, len(devices))
	for _, dev := range devices {
		if f == nil || (f.Matches(dev) && !f.Exclude) {
			result = append(result, dev)
		}
	}
	m.mu.Lock()
	m.working = append(m.working, result...)
	m.mu.Unlock()
	m.log.Infof("device count: %d", len(result))
	return result
}

// hasPermission queries the host and folds the answer into the permission
// cache.
func (m *DeviceMonitor) hasPermission(dev *hostusb.Device) bool {
	if m.isDestroyed() {
		return false
	}
	return m.updatePermission(dev, m.backend.HasPermission(dev))
}

func (m *DeviceMonitor) updatePermission(dev *hostusb.Device, granted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if granted {
		key := DeviceKey(dev)
		if _, ok := m.permission[key]; !ok {
			m.permission[key] = dev
		}
	} else {
		// a single denial invalidates the whole cache; the next poll tick
		// rebuilds it from the host's answers
		m.permission = make(map[string]*hostusb.Device)
	}
	return granted
}

// RequestPermission asks the host to grant access to the given devices. The
// returned ticket is already resolved when there is nothing to wait for:
// the monitor is not registered, every device is already permitted, or the
// host rejected the prompt outright. Otherwise the ticket resolves when the
// grant or denial arrives on the event path; a denial is also surfaced
// through OnCancel.
func (m *DeviceMonitor) RequestPermission(devices ...*hostusb.Device) (*PermissionTicket, error) {
	t := newPermissionTicket()
	if len(devices) == 0 {
		t.resolveNow(true)
		return t, nil
	}
	if !m.IsRegistered() {
		if len(devices) == 1 {
			m.processCancel(devices[0])
		}
		t.resolveNow(false)
		return t, nil
	}

	var missing []*hostusb.Device
	for _, dev := range devices {
		if !m.backend.HasPermission(dev) {
			missing = append(missing, dev)
		}
	}
	if len(missing) == 0 {
		t.resolveNow(true)
		return t, nil
	}

	m.mu.Lock()
	for _, dev := range missing {
		key := DeviceKey(dev)
		t.addPending(key)
		m.tickets[key] = append(m.tickets[key], t)
	}
	m.mu.Unlock()

	for _, dev := range missing {
		if err := m.backend.RequestPermission(dev); err != nil {
			m.log.Warnf("permission request %s for %s failed: %v", t.id, dev.Path, err)
			if len(devices) == 1 {
				m.processCancel(dev)
			}
			m.dropTicket(t)
			t.resolveNow(false)
			return t, nil
		}
		m.log.Infof("permission request %s pending for %s", t.id, dev.Path)
	}
	return t, nil
}

func (m *DeviceMonitor) dropTicket(t *PermissionTicket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ts := range m.tickets {
		kept := ts[:0]
		for _, cur := range ts {
			if cur != t {
				kept = append(kept, cur)
			}
		}
		if len(kept) == 0 {
			delete(m.tickets, key)
		} else {
			m.tickets[key] = kept
		}
	}
}

// resolveTicket settles every ticket waiting on the device; one host answer
// covers all overlapping requests for the same identity.
func (m *DeviceMonitor) resolveTicket(dev *hostusb.Device, granted bool) {
	key := DeviceKey(dev)
	m.mu.Lock()
	ts := m.tickets[key]
	delete(m.tickets, key)
	m.mu.Unlock()
	for _, t := range ts {
		t.resolveDevice(key, granted)
	}
}

// OpenDevice returns the registry's control block for the device, creating
// and registering one when none exists yet. It fails with ErrNoPermission
// when the host does not currently grant access, and with ErrOpenFailed when
// the native open fails.
func (m *DeviceMonitor) OpenDevice(dev *hostusb.Device) (*ControlBlock, error) {
	if m.isDestroyed() {
		return nil, ErrDestroyed
	}
	if !m.hasPermission(dev) {
		return nil, fmt.Errorf("%w: %s", ErrNoPermission, dev.Path)
	}
	cb, _, err := m.obtainBlock(dev)
	return cb, err
}

// Reopen closes any existing control block for the device identity and
// derives a fresh connection from it.
func (m *DeviceMonitor) Reopen(dev *hostusb.Device) (*ControlBlock, error) {
	if m.isDestroyed() {
		return nil, ErrDestroyed
	}
	m.mu.Lock()
	key := DeviceKey(dev)
	cb := m.blocks[key]
	delete(m.blocks, key)
	m.mu.Unlock()
	if cb != nil {
		cb.Close()
	}
	return m.OpenDevice(dev)
}

// obtainBlock is the read-or-create path for the registry. The registry
// lock spans the native open so concurrent callers cannot create duplicate
// blocks for the same identity.
func (m *DeviceMonitor) obtainBlock(dev *hostusb.Device) (*ControlBlock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, false, ErrDestroyed
	}
	key := DeviceKey(dev)
	if cb, ok := m.blocks[key]; ok {
		return cb, false, nil
	}
	cb, err := newControlBlock(m, dev)
	if err != nil {
		return nil, false, err
	}
	m.blocks[key] = cb
	return cb, true, nil
}

// Connect opens the given devices and reports each through OnConnect. The
// first device is handled on the primary worker and a second device on the
// secondary worker so neither connect blocks the other; each independently
// reuses or creates its control block against the shared registry.
func (m *DeviceMonitor) Connect(devices ...*hostusb.Device) {
	if m.isDestroyed() || len(devices) == 0 {
		return
	}
	for _, dev := range devices {
		m.updatePermission(dev, true)
	}
	first := devices[0]
	m.primary.post(func() { m.connectSlot(first, 0) })
	if len(devices) > 1 {
		second := devices[1]
		m.secondary.post(func() { m.connectSlot(second, 1) })
	}
}

// connectSlot runs on a worker.
func (m *DeviceMonitor) connectSlot(dev *hostusb.Device, slot int) {
	cb, created, err := m.obtainBlock(dev)
	if err != nil {
		m.log.Warnf("connect slot %d for %s failed: %v", slot, dev.Path, err)
		m.processCancel(dev)
		return
	}
	if m.isDestroyed() {
		return
	}
	m.log.Infof("connect slot %d: %s fd=%d new=%v", slot, dev.Path, cb.FileDescriptor(), created)
	m.listener.OnConnect(dev, cb, created, slot)
}

func (m *DeviceMonitor) processCancel(dev *hostusb.Device) {
	if m.isDestroyed() {
		return
	}
	m.updatePermission(dev, false)
	m.notifyCancel(dev)
}

// handleEvent runs on the primary worker.
func (m *DeviceMonitor) handleEvent(ev hostusb.Event) {
	if m.isDestroyed() || ev.Device == nil {
		return
	}
	switch ev.Kind {
	case hostusb.EventAttach:
		m.updatePermission(ev.Device, m.backend.HasPermission(ev.Device))
		m.notifyAttach(ev.Device)
	case hostusb.EventDetach:
		if cb := m.removeBlock(ev.Device); cb != nil {
			cb.Close()
		}
		m.mu.Lock()
		// forget the count so the next poll treats the remaining devices
		// as new
		m.deviceCount = 0
		m.mu.Unlock()
		m.notifyDeAttach(ev.Device)
	case hostusb.EventPermissionGranted:
		// the caller decides when to connect; just remember the grant
		m.updatePermission(ev.Device, true)
		m.resolveTicket(ev.Device, true)
	case hostusb.EventPermissionDenied:
		m.resolveTicket(ev.Device, false)
		m.processCancel(ev.Device)
	}
}

// removeBlock takes the device's control block out of the registry,
// matching by key and falling back to the device path since a detach event
// may carry a partial identity.
func (m *DeviceMonitor) removeBlock(dev *hostusb.Device) *ControlBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := DeviceKey(dev)
	if cb, ok := m.blocks[key]; ok {
		delete(m.blocks, key)
		return cb
	}
	for k, cb := range m.blocks {
		if cb.device.Path == dev.Path {
			delete(m.blocks, k)
			return cb
		}
	}
	return nil
}

// onBlockClosed deregisters a closing block and reports the disconnection.
// Tolerates the block already being gone from the registry.
func (m *DeviceMonitor) onBlockClosed(cb *ControlBlock) {
	m.mu.Lock()
	key := DeviceKey(cb.device)
	if cur, ok := m.blocks[key]; ok && cur == cb {
		delete(m.blocks, key)
	}
	m.mu.Unlock()
	m.notifyDisconnect(cb.device, cb)
}

func (m *DeviceMonitor) notifyAttach(dev *hostusb.Device) {
	if m.isDestroyed() {
		return
	}
	m.primary.post(func() { m.listener.OnAttach(dev) })
}

func (m *DeviceMonitor) notifyDeAttach(dev *hostusb.Device) {
	if m.isDestroyed() {
		return
	}
	m.primary.post(func() { m.listener.OnDeAttach(dev) })
}

func (m *DeviceMonitor) notifyCancel(dev *hostusb.Device) {
	if m.isDestroyed() {
		return
	}
	m.primary.post(func() { m.listener.OnCancel(dev) })
}

// notifyDisconnect fires even during Destroy so teardown still reports the
// disconnections; posts after worker shutdown are silently dropped.
func (m *DeviceMonitor) notifyDisconnect(dev *hostusb.Device, cb *ControlBlock) {
	m.primary.post(func() { m.listener.OnDisconnect(dev, cb) })
}
