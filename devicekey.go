package usbmon

import (
	"fmt"
	"strings"

	"github.com/openuvc/usbmon/pkg/hostusb"
)

// DeviceKeyName builds the deterministic identity string for a device:
// vendor, product, class, subclass and protocol joined with '#', optionally
// followed by the supplied serial. When extended is set it also carries the
// device's own serial (only if a serial was supplied), manufacturer name,
// configuration count and device version. The string doubles as the registry
// and permission-cache key and as a debug-displayable identity.
func DeviceKeyName(dev *hostusb.Device, serial string, extended bool) string {
	if dev == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d#%d#%d#%d#%d", dev.VendorID, dev.ProductID, dev.Class, dev.SubClass, dev.Protocol)
	if serial != "" {
		sb.WriteByte('#')
		sb.WriteString(serial)
	}
	if extended {
		sb.WriteByte('#')
		if serial != "" {
			sb.WriteString(dev.Serial)
			sb.WriteByte('#')
		}
		sb.WriteString(dev.Manufacturer)
		sb.WriteByte('#')
		fmt.Fprintf(&sb, "%d", dev.NumConfigs)
		sb.WriteByte('#')
		if dev.DeviceVersion != 0 {
			sb.WriteString(formatBCD(dev.DeviceVersion))
			sb.WriteByte('#')
		}
	}
	return sb.String()
}

// DeviceKey is the default registry key for a device.
func DeviceKey(dev *hostusb.Device) string {
	return DeviceKeyName(dev, "", true)
}

// formatBCD renders a binary-coded-decimal version such as bcdUSB 0x0210 as
// "2.10".
func formatBCD(v uint16) string {
	return fmt.Sprintf("%x.%02x", v>>8, v&0xff)
}
