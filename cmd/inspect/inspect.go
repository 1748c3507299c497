package main

import (
	"flag"
	"fmt"
	"log"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	usbmon "github.com/openuvc/usbmon"
	"github.com/openuvc/usbmon/pkg/hostusb"
	"github.com/openuvc/usbmon/pkg/usbid"
)

func main() {
	vendor := flag.Int("vendor", -1, "only show devices with this vendor ID")
	flag.Parse()

	usbid.LoadSystemDatabase()

	backend, err := hostusb.NewLinuxBackend()
	if err != nil {
		panic(err)
	}
	defer backend.Close()

	app := tview.NewApplication()

	deviceList := tview.NewList().ShowSecondaryText(true)
	deviceList.SetBorder(true).SetTitle("Devices")

	detail := tview.NewTextView().SetDynamicColors(true)
	detail.SetBorder(true).SetTitle("Detail")

	logText := tview.NewTextView()
	logText.SetMaxLines(10).SetBorder(true).SetTitle("Log")
	log.SetOutput(logText)

	ui := &inspectUI{
		app:     app,
		list:    deviceList,
		detail:  detail,
		devices: make(map[string]*hostusb.Device),
	}

	var filters []*usbmon.DeviceFilter
	if *vendor >= 0 {
		f := usbmon.NewDeviceFilter()
		f.VendorID = *vendor
		filters = append(filters, f)
	}

	monitor := usbmon.NewDeviceMonitor(backend, ui, usbmon.WithFilters(filters...))
	ui.monitor = monitor
	defer monitor.Destroy()

	deviceList.SetSelectedFunc(func(index int, main, secondary string, shortcut rune) {
		ui.showDetail(main)
	})
	deviceList.SetChangedFunc(func(index int, main, secondary string, shortcut rune) {
		ui.showDetail(main)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q':
			app.Stop()
			return nil
		case 'o':
			// open the selected device and show its descriptor strings
			if index := deviceList.GetCurrentItem(); index >= 0 && deviceList.GetItemCount() > 0 {
				main, _ := deviceList.GetItemText(index)
				go ui.openDevice(main)
			}
			return nil
		}
		return event
	})

	// populate directly; QueueUpdateDraw only works once the app runs
	for _, dev := range monitor.ListDevices(nil) {
		key := usbmon.DeviceKey(dev)
		if _, known := ui.devices[key]; known {
			continue
		}
		ui.devices[key] = dev
		deviceList.AddItem(key, deviceTitle(dev), 0, nil)
	}
	if err := monitor.Register(); err != nil {
		panic(err)
	}

	flex := tview.NewFlex().
		AddItem(deviceList, 0, 1, true).
		AddItem(detail, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(flex, 0, 1, true).
		AddItem(logText, 10, 0, false)

	if err := app.SetRoot(root, true).Run(); err != nil {
		panic(err)
	}
}

// inspectUI keeps the device list and detail pane in sync with the
// monitor's callbacks. Callbacks arrive on the monitor's worker, so every
// widget touch goes through QueueUpdateDraw.
type inspectUI struct {
	app     *tview.Application
	list    *tview.List
	detail  *tview.TextView
	monitor *usbmon.DeviceMonitor

	mu      sync.Mutex
	devices map[string]*hostusb.Device
}

func (ui *inspectUI) addDevice(dev *hostusb.Device) {
	key := usbmon.DeviceKey(dev)
	ui.mu.Lock()
	_, known := ui.devices[key]
	ui.devices[key] = dev
	ui.mu.Unlock()
	if known {
		return
	}
	ui.app.QueueUpdateDraw(func() {
		ui.list.AddItem(key, deviceTitle(dev), 0, nil)
	})
}

func (ui *inspectUI) removeDevice(dev *hostusb.Device) {
	key := usbmon.DeviceKey(dev)
	ui.mu.Lock()
	delete(ui.devices, key)
	ui.mu.Unlock()
	ui.app.QueueUpdateDraw(func() {
		for i := 0; i < ui.list.GetItemCount(); i++ {
			if main, _ := ui.list.GetItemText(i); main == key {
				ui.list.RemoveItem(i)
				return
			}
		}
	})
}

func (ui *inspectUI) showDetail(key string) {
	ui.mu.Lock()
	dev := ui.devices[key]
	ui.mu.Unlock()
	if dev == nil {
		return
	}
	text := fmt.Sprintf("Path: %s\nVID:PID: %04x:%04x\nVendor: %s\nUSB: %d.%02d\nClass: %d/%d proto %d\nKey: %s\n",
		dev.Path, dev.VendorID, dev.ProductID, usbid.VendorName(dev.VendorID),
		dev.USBVersion>>8, dev.USBVersion&0xFF,
		dev.Class, dev.SubClass, dev.Protocol, key)
	for _, iface := range dev.Interfaces {
		text += fmt.Sprintf("Interface %d (alt %d): class %d/%d proto %d\n",
			iface.Number, iface.Alt, iface.Class, iface.SubClass, iface.Protocol)
	}
	ui.detail.SetText(text)
}

func (ui *inspectUI) openDevice(key string) {
	ui.mu.Lock()
	dev := ui.devices[key]
	ui.mu.Unlock()
	if dev == nil {
		return
	}
	block, err := ui.monitor.OpenDevice(dev)
	if err != nil {
		log.Printf("open failed: %s", err)
		return
	}
	log.Printf("opened %s fd=%d info=%s", block.DeviceName(), block.FileDescriptor(), block.Info())
}

func deviceTitle(dev *hostusb.Device) string {
	if name := usbid.VendorName(dev.VendorID); name != "" {
		return fmt.Sprintf("%s %04x:%04x", name, dev.VendorID, dev.ProductID)
	}
	return fmt.Sprintf("%04x:%04x", dev.VendorID, dev.ProductID)
}

func (ui *inspectUI) OnAttach(dev *hostusb.Device)   { ui.addDevice(dev) }
func (ui *inspectUI) OnDeAttach(dev *hostusb.Device) { ui.removeDevice(dev) }

func (ui *inspectUI) OnConnect(dev *hostusb.Device, block *usbmon.ControlBlock, createNew bool, slot int) {
	log.Printf("connect slot %d %s new=%v", slot, block.DeviceName(), createNew)
}

func (ui *inspectUI) OnDisconnect(dev *hostusb.Device, block *usbmon.ControlBlock) {
	log.Printf("disconnect %s", block.DeviceName())
}

func (ui *inspectUI) OnCancel(dev *hostusb.Device) {
	log.Printf("cancel %s", dev.Path)
}
