package main

import (
	"fmt"
	"log"

	"github.com/openuvc/usbmon/pkg/hostusb"
	"github.com/openuvc/usbmon/pkg/usbid"

	usbmon "github.com/openuvc/usbmon"
)

func main() {
	usbid.LoadSystemDatabase()

	backend, err := hostusb.NewLinuxBackend()
	if err != nil {
		log.Fatalf("Failed to open USB backend: %v", err)
	}
	defer backend.Close()

	devices, err := backend.Devices()
	if err != nil {
		log.Fatalf("Failed to list devices: %v", err)
	}

	if len(devices) == 0 {
		fmt.Println("No USB devices found")
		return
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))

	for i, dev := range devices {
		fmt.Printf("Device %d:\n", i+1)
		fmt.Printf("  Path: %s\n", dev.Path)
		fmt.Printf("  VID:PID: %04x:%04x\n", dev.VendorID, dev.ProductID)
		fmt.Printf("  USB Version: %d.%02d\n", dev.USBVersion>>8, dev.USBVersion&0xFF)
		fmt.Printf("  Class: %d, SubClass: %d, Protocol: %d\n",
			dev.Class, dev.SubClass, dev.Protocol)
		fmt.Printf("  Key: %s\n", usbmon.DeviceKey(dev))

		if name := usbid.VendorName(dev.VendorID); name != "" {
			fmt.Printf("  Vendor: %s\n", name)
		}
		if dev.Manufacturer != "" {
			fmt.Printf("  Manufacturer: %s\n", dev.Manufacturer)
		}
		if dev.Product != "" {
			fmt.Printf("  Product: %s\n", dev.Product)
		}
		if dev.Serial != "" {
			fmt.Printf("  Serial: %s\n", dev.Serial)
		}

		if dev.Class == 239 && dev.SubClass == 2 {
			fmt.Printf("  ** Composite USB device (possibly a webcam) **\n")
		}
		for _, iface := range dev.Interfaces {
			fmt.Printf("  Interface %d (alt %d): class %d/%d proto %d\n",
				iface.Number, iface.Alt, iface.Class, iface.SubClass, iface.Protocol)
		}
		if backend.HasPermission(dev) {
			fmt.Printf("  Access: granted\n")
		} else {
			fmt.Printf("  Access: denied (check udev rules or run as root)\n")
		}
		fmt.Println()
	}
}
