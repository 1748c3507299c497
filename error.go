package usbmon

import "errors"

var (
	// ErrDestroyed is returned from lifecycle operations after Destroy.
	ErrDestroyed = errors.New("monitor already destroyed")
	// ErrNotInitialized is returned from Register when the monitor has no
	// backend or listener bound.
	ErrNotInitialized = errors.New("monitor not initialized")
	// ErrNoPermission is returned from OpenDevice when the host does not
	// currently grant access to the device.
	ErrNoPermission = errors.New("no permission for device")
	// ErrOpenFailed is returned when the native connection to a device
	// could not be established.
	ErrOpenFailed = errors.New("could not open device")
	// ErrTransferFailed is returned when a bulk transfer reports an error
	// or a zero-length result.
	ErrTransferFailed = errors.New("transfer failed")
)
