package usbmon

import "github.com/openuvc/usbmon/pkg/hostusb"

// ConnectListener receives device lifecycle notifications from a
// DeviceMonitor. Every callback is delivered on one of the monitor's
// background workers, never synchronously from the API that triggered it.
// OnConnect's slot is 0 for the first device of a connect request and 1 for
// the second device of a dual connect.
type ConnectListener interface {
	OnAttach(dev *hostusb.Device)
	OnDeAttach(dev *hostusb.Device)
	OnConnect(dev *hostusb.Device, block *ControlBlock, createNew bool, slot int)
	OnDisconnect(dev *hostusb.Device, block *ControlBlock)
	OnCancel(dev *hostusb.Device)
}
