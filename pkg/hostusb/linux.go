//go:build linux

package hostusb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	usb "github.com/kevmo314/go-usb"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	sysfsDevices = "/sys/bus/usb/devices"
	usbfsRoot    = "/dev/bus/usb"
)

// LinuxBackend implements Backend on top of sysfs enumeration, usbfs device
// nodes and an fsnotify watch on the bus directories. Permission on Linux is
// file access to the device node: HasPermission probes it with access(2) and
// RequestPermission resolves asynchronously from the same probe, since there
// is no interactive grant to wait for.
type LinuxBackend struct {
	log     *logrus.Entry
	watcher *fsnotify.Watcher
	events  chan Event

	// overridable in tests
	sysfsRoot string
	devRoot   string

	mu    sync.Mutex
	known map[string]*Device // device node path -> last seen identity

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewLinuxBackend() (*LinuxBackend, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	b := &LinuxBackend{
		log:       logrus.WithField("component", "hostusb"),
		watcher:   watcher,
		events:    make(chan Event, 64),
		sysfsRoot: sysfsDevices,
		devRoot:   usbfsRoot,
		known:     make(map[string]*Device),
		done:      make(chan struct{}),
	}

	// Watch the root and every bus directory; new buses are picked up from
	// create events on the root.
	if err := watcher.Add(b.devRoot); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", b.devRoot, err)
	}
	buses, err := os.ReadDir(b.devRoot)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to read %s: %w", b.devRoot, err)
	}
	for _, bus := range buses {
		if bus.IsDir() {
			if err := watcher.Add(filepath.Join(b.devRoot, bus.Name())); err != nil {
				b.log.Warnf("failed to watch bus %s: %v", bus.Name(), err)
			}
		}
	}

	b.wg.Add(1)
	go b.watchLoop()
	return b, nil
}

func (b *LinuxBackend) watchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleFSEvent(ev)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warnf("watch error: %v", err)
		}
	}
}

func (b *LinuxBackend) handleFSEvent(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// a new bus appeared
			if err := b.watcher.Add(ev.Name); err != nil {
				b.log.Warnf("failed to watch new bus %s: %v", ev.Name, err)
			}
			return
		}
		dev := b.resolve(ev.Name)
		if dev == nil {
			// the node appeared but sysfs has not caught up yet; the
			// monitor's poll loop will pick it up
			b.log.Debugf("attach of %s not yet visible in sysfs", ev.Name)
			return
		}
		b.emit(Event{Kind: EventAttach, Device: dev})
	case ev.Op.Has(fsnotify.Remove):
		b.mu.Lock()
		dev := b.known[ev.Name]
		delete(b.known, ev.Name)
		b.mu.Unlock()
		if dev == nil {
			dev = &Device{Path: ev.Name}
		}
		b.emit(Event{Kind: EventDetach, Device: dev})
	}
}

// resolve re-enumerates and returns the device backing the given node path.
func (b *LinuxBackend) resolve(path string) *Device {
	devices, err := b.Devices()
	if err != nil {
		b.log.Warnf("enumeration failed while resolving %s: %v", path, err)
		return nil
	}
	for _, dev := range devices {
		if dev.Path == path {
			return dev
		}
	}
	return nil
}

func (b *LinuxBackend) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Devices enumerates attached devices from sysfs, including the interface
// class triples the filter matcher needs.
func (b *LinuxBackend) Devices() ([]*Device, error) {
	entries, err := os.ReadDir(b.sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.sysfsRoot, err)
	}

	var devices []*Device
	for _, entry := range entries {
		name := entry.Name()
		// interface entries contain a colon; device entries contain a dash
		// or are root hubs (usb1, usb2, ...)
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}
		dev, err := b.loadDevice(filepath.Join(b.sysfsRoot, name), name)
		if err != nil {
			continue
		}
		devices = append(devices, dev)
	}

	b.mu.Lock()
	for _, dev := range devices {
		b.known[dev.Path] = dev
	}
	b.mu.Unlock()
	return devices, nil
}

func (b *LinuxBackend) loadDevice(sysfsPath, name string) (*Device, error) {
	busNum, err := readSysfsInt(sysfsPath, "busnum", 10)
	if err != nil {
		return nil, err
	}
	devNum, err := readSysfsInt(sysfsPath, "devnum", 10)
	if err != nil {
		return nil, err
	}
	vid, err := readSysfsInt(sysfsPath, "idVendor", 16)
	if err != nil {
		return nil, err
	}
	pid, err := readSysfsInt(sysfsPath, "idProduct", 16)
	if err != nil {
		return nil, err
	}

	dev := &Device{
		Path:         fmt.Sprintf("%s/%03d/%03d", b.devRoot, busNum, devNum),
		VendorID:     vid,
		ProductID:    pid,
		Manufacturer: readSysfsString(sysfsPath, "manufacturer"),
		Product:      readSysfsString(sysfsPath, "product"),
		Serial:       readSysfsString(sysfsPath, "serial"),
	}
	dev.Class, _ = readSysfsInt(sysfsPath, "bDeviceClass", 16)
	dev.SubClass, _ = readSysfsInt(sysfsPath, "bDeviceSubClass", 16)
	dev.Protocol, _ = readSysfsInt(sysfsPath, "bDeviceProtocol", 16)
	dev.NumConfigs, _ = readSysfsInt(sysfsPath, "bNumConfigurations", 10)

	if bcd, err := readSysfsInt(sysfsPath, "bcdDevice", 16); err == nil {
		dev.DeviceVersion = uint16(bcd)
	}
	// the version file holds " 2.01" style text
	if v := readSysfsString(sysfsPath, "version"); v != "" {
		var major, minor int
		if n, _ := fmt.Sscanf(v, "%d.%02d", &major, &minor); n == 2 {
			dev.USBVersion = uint16(major)<<8 | uint16(minor)
		}
	}

	dev.Interfaces = b.loadInterfaces(name)
	return dev, nil
}

// loadInterfaces reads the class triples of every interface entry belonging
// to the given sysfs device (entries named like "1-4:1.0").
func (b *LinuxBackend) loadInterfaces(deviceName string) []InterfaceInfo {
	entries, err := os.ReadDir(b.sysfsRoot)
	if err != nil {
		return nil
	}
	var ifaces []InterfaceInfo
	prefix := deviceName + ":"
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		ifPath := filepath.Join(b.sysfsRoot, entry.Name())
		info := InterfaceInfo{}
		var err error
		if info.Number, err = readSysfsInt(ifPath, "bInterfaceNumber", 16); err != nil {
			continue
		}
		info.Alt, _ = readSysfsInt(ifPath, "bAlternateSetting", 10)
		info.Class, _ = readSysfsInt(ifPath, "bInterfaceClass", 16)
		info.SubClass, _ = readSysfsInt(ifPath, "bInterfaceSubClass", 16)
		info.Protocol, _ = readSysfsInt(ifPath, "bInterfaceProtocol", 16)
		ifaces = append(ifaces, info)
	}
	return ifaces
}

func readSysfsInt(dir, file string, base int) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), base, 32)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func readSysfsString(dir, file string) string {
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (b *LinuxBackend) HasPermission(dev *Device) bool {
	return unix.Access(dev.Path, unix.R_OK|unix.W_OK) == nil
}

// RequestPermission probes access to the device node and posts the outcome
// on the event channel. There is no interactive prompt on Linux; a denial
// means the udev rules do not grant the node to this user.
func (b *LinuxBackend) RequestPermission(dev *Device) error {
	granted := b.HasPermission(dev)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		kind := EventPermissionDenied
		if granted {
			kind = EventPermissionGranted
		}
		b.emit(Event{Kind: kind, Device: dev})
	}()
	return nil
}

func (b *LinuxBackend) Open(dev *Device) (Conn, error) {
	fd, err := unix.Open(dev.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		switch err {
		case unix.EACCES:
			return nil, ErrPermissionDenied
		case unix.ENOENT:
			return nil, ErrDeviceGone
		}
		return nil, fmt.Errorf("failed to open %s: %w", dev.Path, err)
	}
	handle, err := usb.WrapSysDevice(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to wrap %s: %w", dev.Path, err)
	}
	return &usbfsConn{fd: fd, handle: handle}, nil
}

func (b *LinuxBackend) Events() <-chan Event {
	return b.events
}

func (b *LinuxBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.watcher.Close()
	})
	b.wg.Wait()
	return nil
}

// usbfsConn adapts a go-usb device handle to the Conn interface.
type usbfsConn struct {
	fd     int
	handle *usb.DeviceHandle
}

func (c *usbfsConn) FileDescriptor() int {
	return c.fd
}

func (c *usbfsConn) DeviceDescriptor() ([]byte, error) {
	buf := make([]byte, 18)
	n, err := c.handle.RawDescriptor(usb.USB_DT_DEVICE, 0, 0, buf)
	if err != nil {
		return nil, err
	}
	if n < len(buf) {
		return nil, fmt.Errorf("short device descriptor: %d bytes", n)
	}
	return buf, nil
}

func (c *usbfsConn) GetDescriptor(descType, descIndex uint8, langID uint16, buf []byte) (int, error) {
	return c.handle.RawDescriptor(descType, descIndex, langID, buf)
}

func (c *usbfsConn) ClaimInterface(number int) error {
	// forced claim: steal the interface from any bound kernel driver
	if err := c.handle.DetachKernelDriver(uint8(number)); err != nil {
		logrus.WithField("component", "hostusb").Debugf("detach kernel driver on %d: %v", number, err)
	}
	return c.handle.ClaimInterface(uint8(number))
}

func (c *usbfsConn) ReleaseInterface(number int) error {
	return c.handle.ReleaseInterface(uint8(number))
}

func (c *usbfsConn) BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	return c.handle.BulkTransfer(endpoint, buf, timeout)
}

func (c *usbfsConn) Close() error {
	return c.handle.Close()
}
