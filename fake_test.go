package usbmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/openuvc/usbmon/pkg/hostusb"
)

// fakeConn implements hostusb.Conn against canned descriptor data and
// records the interface and transfer traffic it receives.
type fakeConn struct {
	mu sync.Mutex

	fd         int
	descriptor []byte            // 18-byte device descriptor, nil to fail
	strings    map[uint8]string  // string index -> value
	langs      []uint16
	closed     bool

	claims   []int
	releases []int
	writes   [][]byte
	claimErr error

	// string requests for this language id come back malformed
	garbageLang uint16

	// bulk overrides the default transfer behavior when set
	bulk func(endpoint uint8, buf []byte, timeout time.Duration) (int, error)
	read []byte
}

func (c *fakeConn) FileDescriptor() int { return c.fd }

func (c *fakeConn) DeviceDescriptor() ([]byte, error) {
	if c.descriptor == nil {
		return nil, fmt.Errorf("no descriptor")
	}
	return c.descriptor, nil
}

func (c *fakeConn) GetDescriptor(descType, descIndex uint8, langID uint16, buf []byte) (int, error) {
	if descType != 0x03 {
		return 0, fmt.Errorf("unsupported descriptor type %d", descType)
	}
	if descIndex == 0 {
		n := 2 + 2*len(c.langs)
		buf[0] = byte(n)
		buf[1] = 0x03
		for i, lang := range c.langs {
			buf[2+2*i] = byte(lang)
			buf[3+2*i] = byte(lang >> 8)
		}
		return n, nil
	}
	s, ok := c.strings[descIndex]
	if !ok {
		return 0, fmt.Errorf("no string %d", descIndex)
	}
	supported := false
	for _, lang := range c.langs {
		if lang == langID {
			supported = true
			break
		}
	}
	if !supported {
		return 0, fmt.Errorf("bad langid %04x", langID)
	}
	if langID == c.garbageLang && c.garbageLang != 0 {
		buf[0] = 4
		buf[1] = 0x00 // wrong descriptor type
		return 4, nil
	}
	n := 2 + 2*len(s)
	buf[0] = byte(n)
	buf[1] = 0x03
	for i, r := range s {
		buf[2+2*i] = byte(r)
		buf[3+2*i] = byte(uint16(r) >> 8)
	}
	return n, nil
}

func (c *fakeConn) ClaimInterface(number int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimErr != nil {
		return c.claimErr
	}
	c.claims = append(c.claims, number)
	return nil
}

func (c *fakeConn) ReleaseInterface(number int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, number)
	return nil
}

func (c *fakeConn) BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	if c.bulk != nil {
		return c.bulk(endpoint, buf, timeout)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if endpoint&0x80 == 0 {
		data := make([]byte, len(buf))
		copy(data, buf)
		c.writes = append(c.writes, data)
		return len(buf), nil
	}
	return copy(buf, c.read), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeBackend implements hostusb.Backend over an in-memory device table.
type fakeBackend struct {
	mu sync.Mutex

	devices []*hostusb.Device
	perms   map[string]bool // device path -> granted
	events  chan hostusb.Event

	opens     int
	openErr   error
	conns     []*fakeConn
	nextFD    int
	prepare   func(c *fakeConn, dev *hostusb.Device)
	requested []string
	reqErr    error
	// grantOnRequest resolves RequestPermission by emitting a granted
	// event, the way a host prompt the user accepts would
	grantOnRequest bool
}

func newFakeBackend(devices ...*hostusb.Device) *fakeBackend {
	return &fakeBackend{
		devices: devices,
		perms:   make(map[string]bool),
		events:  make(chan hostusb.Event, 16),
		nextFD:  10,
	}
}

func (b *fakeBackend) Devices() ([]*hostusb.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*hostusb.Device, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *fakeBackend) setDevices(devices ...*hostusb.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
}

func (b *fakeBackend) grant(dev *hostusb.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perms[dev.Path] = true
}

func (b *fakeBackend) HasPermission(dev *hostusb.Device) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perms[dev.Path]
}

func (b *fakeBackend) RequestPermission(dev *hostusb.Device) error {
	b.mu.Lock()
	if b.reqErr != nil {
		err := b.reqErr
		b.mu.Unlock()
		return err
	}
	b.requested = append(b.requested, dev.Path)
	grant := b.grantOnRequest
	if grant {
		b.perms[dev.Path] = true
	}
	b.mu.Unlock()
	if grant {
		b.events <- hostusb.Event{Kind: hostusb.EventPermissionGranted, Device: dev}
	}
	return nil
}

func (b *fakeBackend) Open(dev *hostusb.Device) (hostusb.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opens++
	b.nextFD++
	c := &fakeConn{fd: b.nextFD}
	if b.prepare != nil {
		b.prepare(c, dev)
	}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *fakeBackend) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBackend) emit(kind hostusb.EventKind, dev *hostusb.Device) {
	b.events <- hostusb.Event{Kind: kind, Device: dev}
}

func (b *fakeBackend) Events() <-chan hostusb.Event { return b.events }

func (b *fakeBackend) Close() error { return nil }

// recListener records every callback it receives.
type recListener struct {
	mu sync.Mutex

	attaches    []*hostusb.Device
	detaches    []*hostusb.Device
	connects    []connectCall
	disconnects []*ControlBlock
	cancels     []*hostusb.Device
}

type connectCall struct {
	dev     *hostusb.Device
	block   *ControlBlock
	created bool
	slot    int
}

func (l *recListener) OnAttach(dev *hostusb.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attaches = append(l.attaches, dev)
}

func (l *recListener) OnDeAttach(dev *hostusb.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detaches = append(l.detaches, dev)
}

func (l *recListener) OnConnect(dev *hostusb.Device, block *ControlBlock, createNew bool, slot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, connectCall{dev, block, createNew, slot})
}

func (l *recListener) OnDisconnect(dev *hostusb.Device, block *ControlBlock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects = append(l.disconnects, block)
}

func (l *recListener) OnCancel(dev *hostusb.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels = append(l.cancels, dev)
}

func (l *recListener) attachCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attaches)
}

func (l *recListener) detachCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.detaches)
}

func (l *recListener) connectCalls() []connectCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]connectCall, len(l.connects))
	copy(out, l.connects)
	return out
}

func (l *recListener) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.disconnects)
}

func (l *recListener) cancelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cancels)
}

func testDevice(path string, vid, pid int) *hostusb.Device {
	return &hostusb.Device{
		Path:      path,
		VendorID:  vid,
		ProductID: pid,
		Class:     239,
		SubClass:  2,
		Protocol:  1,
	}
}
