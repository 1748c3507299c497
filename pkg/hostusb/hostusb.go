// Package hostusb abstracts the host operating system's USB stack: device
// enumeration, permission queries, raw connections and attach/detach
// notification. The real implementation lives in linux.go; the monitor core
// only depends on the interfaces here so it can run against a fake in tests.
package hostusb

import (
	"errors"
	"time"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceGone       = errors.New("device no longer attached")
)

// InterfaceInfo is the class triple of one interface alternate setting.
type InterfaceInfo struct {
	Number   int
	Alt      int
	Class    int
	SubClass int
	Protocol int
}

// Device is the immutable identity of an attached USB device as reported by
// the host. Manufacturer, Product and Serial may be empty when the host did
// not cache string descriptors.
type Device struct {
	Path          string // device node, e.g. /dev/bus/usb/001/004
	VendorID      int
	ProductID     int
	Class         int
	SubClass      int
	Protocol      int
	Manufacturer  string
	Product       string
	Serial        string
	USBVersion    uint16 // bcdUSB
	DeviceVersion uint16 // bcdDevice
	NumConfigs    int
	Interfaces    []InterfaceInfo
}

type EventKind int

const (
	EventAttach EventKind = iota
	EventDetach
	EventPermissionGranted
	EventPermissionDenied
)

func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventPermissionGranted:
		return "permission-granted"
	case EventPermissionDenied:
		return "permission-denied"
	}
	return "unknown"
}

// Event is one asynchronous notification from the host USB stack. On detach
// the Device may carry only its Path; the rest of the identity is whatever
// the backend last knew about the node.
type Event struct {
	Kind   EventKind
	Device *Device
}

// Conn is an open connection to one device. Implementations must be safe for
// concurrent use; bulk transfers block the calling goroutine up to the given
// timeout (zero means no timeout).
type Conn interface {
	FileDescriptor() int
	// DeviceDescriptor returns the raw 18-byte device descriptor.
	DeviceDescriptor() ([]byte, error)
	// GetDescriptor issues GET_DESCRIPTOR and returns the number of bytes
	// read into buf.
	GetDescriptor(descType, descIndex uint8, langID uint16, buf []byte) (int, error)
	// ClaimInterface claims an interface, detaching any kernel driver first.
	ClaimInterface(number int) error
	ReleaseInterface(number int) error
	BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// Backend is the host USB stack. RequestPermission is non-blocking; the
// grant or denial arrives later on the Events channel. Events carries
// attach, detach and permission results and is consumed by a single reader.
type Backend interface {
	Devices() ([]*Device, error)
	HasPermission(*Device) bool
	RequestPermission(*Device) error
	Open(*Device) (Conn, error)
	Events() <-chan Event
	Close() error
}
