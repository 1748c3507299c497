package usbmon

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/sirupsen/logrus"

	"github.com/openuvc/usbmon/pkg/hostusb"
	"github.com/openuvc/usbmon/pkg/usbid"
)

const (
	usbDTString = 0x03

	readBufferSize = 256 + 6
	readTimeout    = 5 * time.Second
)

// DeviceInfo holds the descriptor-derived strings read when a control block
// is created.
type DeviceInfo struct {
	USBVersion    string
	DeviceVersion string
	Manufacturer  string
	Product       string
	Serial        string
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("usbVersion=%s manufacturer=%s product=%s deviceVersion=%s serial=%s",
		i.USBVersion, i.Manufacturer, i.Product, i.DeviceVersion, i.Serial)
}

// ControlBlock owns one opened USB device connection: descriptor info, bus
// and device numbers, the claimed-interface table and the read/write
// primitives. Blocks are created and registered by the monitor; Close is
// idempotent and deregisters the block from its monitor.
type ControlBlock struct {
	monitor *DeviceMonitor // non-owning back reference
	device  *hostusb.Device
	conn    hostusb.Conn
	log     *logrus.Entry
	info    DeviceInfo
	busNum  int
	devNum  int

	mu      sync.Mutex
	claimed map[int]struct{}
	closed  bool
}

func newControlBlock(m *DeviceMonitor, dev *hostusb.Device) (*ControlBlock, error) {
	conn, err := m.backend.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrOpenFailed, dev.Path, err)
	}
	busNum, devNum := parseBusDev(dev.Path)
	cb := &ControlBlock{
		monitor: m,
		device:  dev,
		conn:    conn,
		log:     m.log,
		busNum:  busNum,
		devNum:  devNum,
		claimed: make(map[int]struct{}),
	}
	cb.info = readDescriptorInfo(m.log, dev, conn)
	m.log.Infof("opened %s fd=%d busnum=%d devnum=%d %s",
		dev.Path, conn.FileDescriptor(), busNum, devNum, cb.info)
	return cb, nil
}

// parseBusDev derives the bus and device numbers from the last two segments
// of the device node path, defaulting to 0 when unparseable.
func parseBusDev(path string) (int, int) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return 0, 0
	}
	busNum, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		busNum = 0
	}
	devNum, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		devNum = 0
	}
	return busNum, devNum
}

// readDescriptorInfo fills in the descriptor strings for a device. Versions
// come from fixed offsets of the raw device descriptor; manufacturer,
// product and serial come from the host's cached strings, then from
// GET_DESCRIPTOR(STRING) control transfers walking the device's language
// list, then from the vendor-ID table, and finally from hex-formatted IDs.
func readDescriptorInfo(log *logrus.Entry, dev *hostusb.Device, conn hostusb.Conn) DeviceInfo {
	info := DeviceInfo{
		Manufacturer: dev.Manufacturer,
		Product:      dev.Product,
		Serial:       dev.Serial,
	}
	if dev.USBVersion != 0 {
		info.USBVersion = formatBCD(dev.USBVersion)
	}

	raw, err := conn.DeviceDescriptor()
	if err != nil {
		log.Warnf("failed to read device descriptor for %s: %v", dev.Path, err)
	} else {
		if info.USBVersion == "" {
			info.USBVersion = fmt.Sprintf("%x.%02x", raw[3], raw[2])
		}
		info.DeviceVersion = fmt.Sprintf("%x.%02x", raw[13], raw[12])

		langs := readLanguageIDs(conn)
		if len(langs) > 0 {
			if info.Manufacturer == "" {
				info.Manufacturer = readStringDescriptor(conn, raw[14], langs)
			}
			if info.Product == "" {
				info.Product = readStringDescriptor(conn, raw[15], langs)
			}
			if info.Serial == "" {
				info.Serial = readStringDescriptor(conn, raw[16], langs)
			}
		}
	}

	if info.Manufacturer == "" {
		info.Manufacturer = usbid.VendorName(dev.VendorID)
	}
	if info.Manufacturer == "" {
		info.Manufacturer = fmt.Sprintf("%04x", dev.VendorID)
	}
	if info.Product == "" {
		info.Product = fmt.Sprintf("%04x", dev.ProductID)
	}
	return info
}

// readLanguageIDs requests string descriptor zero, which lists the language
// ids the device supports.
func readLanguageIDs(conn hostusb.Conn) []uint16 {
	buf := make([]byte, 256)
	n, err := conn.GetDescriptor(usbDTString, 0, 0, buf)
	if err != nil || n < 4 {
		return nil
	}
	count := (n - 2) / 2
	langs := make([]uint16, 0, count)
	for i := 0; i < count; i++ {
		langs = append(langs, uint16(buf[2+2*i])|uint16(buf[3+2*i])<<8)
	}
	return langs
}

// readStringDescriptor tries the string index against each language id until
// a well-formed, non-empty result comes back: byte 0 must equal the response
// length and byte 1 must be the string descriptor type. Mismatches are
// discarded and the next language tried.
func readStringDescriptor(conn hostusb.Conn, index uint8, langs []uint16) string {
	if index == 0 {
		return ""
	}
	buf := make([]byte, 256)
	for _, lang := range langs {
		n, err := conn.GetDescriptor(usbDTString, index, lang, buf)
		if err != nil || n <= 2 {
			continue
		}
		if int(buf[0]) != n || buf[1] != usbDTString {
			continue
		}
		if s := decodeUTF16LE(buf[2:n]); s != "" {
			return s
		}
	}
	return ""
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := uint16(b[i]) | uint16(b[i+1])<<8
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

func (cb *ControlBlock) Device() *hostusb.Device { return cb.device }

// Monitor returns the owning monitor, or nil when the block has been
// detached from it.
func (cb *ControlBlock) Monitor() *DeviceMonitor {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.monitor
}

func (cb *ControlBlock) DeviceName() string { return cb.device.Path }
func (cb *ControlBlock) VendorID() int      { return cb.device.VendorID }
func (cb *ControlBlock) ProductID() int     { return cb.device.ProductID }
func (cb *ControlBlock) BusNum() int        { return cb.busNum }
func (cb *ControlBlock) DevNum() int        { return cb.devNum }
func (cb *ControlBlock) Info() DeviceInfo   { return cb.info }

func (cb *ControlBlock) FileDescriptor() int {
	return cb.conn.FileDescriptor()
}

// KeyWithSerial is the device key including the descriptor-derived serial.
func (cb *ControlBlock) KeyWithSerial() string {
	return DeviceKeyName(cb.device, cb.info.Serial, false)
}

// Interface returns the alternate-setting-0 descriptor of the interface
// with the given id.
func (cb *ControlBlock) Interface(id int) (hostusb.InterfaceInfo, error) {
	for _, iface := range cb.device.Interfaces {
		if iface.Number == id && iface.Alt == 0 {
			return iface, nil
		}
	}
	return hostusb.InterfaceInfo{}, fmt.Errorf("interface %d not found on %s", id, cb.device.Path)
}

// ClaimInterface claims the interface, stealing it from a kernel driver if
// one is bound, and tracks the claim until release or close.
func (cb *ControlBlock) ClaimInterface(id int) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return hostusb.ErrDeviceGone
	}
	if _, ok := cb.claimed[id]; ok {
		return nil
	}
	if err := cb.conn.ClaimInterface(id); err != nil {
		return err
	}
	cb.claimed[id] = struct{}{}
	return nil
}

func (cb *ControlBlock) ReleaseInterface(id int) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return hostusb.ErrDeviceGone
	}
	if _, ok := cb.claimed[id]; !ok {
		return nil
	}
	delete(cb.claimed, id)
	return cb.conn.ReleaseInterface(id)
}

// WriteData claims the interface, issues a blocking bulk transfer with no
// timeout, and releases the interface again. The claim/transfer/release
// sequence is not atomic with respect to other goroutines using the same
// interface; callers serialize access themselves.
func (cb *ControlBlock) WriteData(ifaceID int, endpoint uint8, data []byte) error {
	if err := cb.ClaimInterface(ifaceID); err != nil {
		return err
	}
	defer cb.ReleaseInterface(ifaceID)
	n, err := cb.conn.BulkTransfer(endpoint, data, 0)
	if err != nil {
		cb.log.Infof("write on ep 0x%02x failed, no ACK: %v", endpoint, err)
		return fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	cb.log.Debugf("wrote %d bytes on ep 0x%02x", n, endpoint)
	return nil
}

// ReadData issues a blocking bulk read with a 5 second timeout and returns
// the bytes received. A zero-length result means the device had nothing to
// say and is not an error.
func (cb *ControlBlock) ReadData(endpoint uint8) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := cb.conn.BulkTransfer(endpoint, buf, readTimeout)
	if err != nil {
		cb.log.Infof("unable to read ep 0x%02x: %v", endpoint, err)
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, err)
	}
	if n == 0 {
		cb.log.Infof("read ep 0x%02x: waiting, no data", endpoint)
		return nil, nil
	}
	cb.log.Infof("read ep 0x%02x: %d bytes", endpoint, n)
	return buf[:n], nil
}

// Close releases every tracked claimed interface, closes the native
// connection and deregisters the block from the owning monitor, which
// notifies the connect listener of the disconnection. Calling Close more
// than once is a no-op; the monitor side tolerates the block already being
// gone from the registry.
func (cb *ControlBlock) Close() error {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return nil
	}
	cb.closed = true
	for id := range cb.claimed {
		if err := cb.conn.ReleaseInterface(id); err != nil {
			cb.log.Warnf("failed to release interface %d on %s: %v", id, cb.device.Path, err)
		}
	}
	cb.claimed = make(map[int]struct{})
	err := cb.conn.Close()
	m := cb.monitor
	cb.monitor = nil
	cb.mu.Unlock()

	if m != nil {
		m.onBlockClosed(cb)
	}
	return err
}

// Equal reports whether both blocks refer to the same device identity. A
// block with no resolvable device is never equal to anything.
func (cb *ControlBlock) Equal(other *ControlBlock) bool {
	if cb.device == nil || other == nil || other.device == nil {
		return false
	}
	return cb.EqualDevice(other.device)
}

// EqualDevice reports whether the block refers to the given device identity.
func (cb *ControlBlock) EqualDevice(dev *hostusb.Device) bool {
	if cb.device == nil || dev == nil {
		return false
	}
	return DeviceKey(cb.device) == DeviceKey(dev)
}
