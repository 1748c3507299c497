package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	usbmon "github.com/openuvc/usbmon"
	"github.com/openuvc/usbmon/pkg/hostusb"
	"github.com/openuvc/usbmon/pkg/usbid"
)

const VERSION = "v0.1.0"

func main() {
	var (
		filterFile   string
		pollInterval time.Duration
		initialDelay time.Duration
		vendorID     int
		productID    int
		connect      bool
	)

	app := cli.NewApp()
	app.Name = "usbwatch"
	app.Version = VERSION
	app.Usage = "Watch the USB bus for device attach/detach and permission changes, optionally opening matching devices as they appear."
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "filters",
			EnvVars:     []string{"USBWATCH_FILTERS"},
			Destination: &filterFile,
			Usage:       "JSON file with device filter records",
		},
		&cli.DurationFlag{
			Name:        "poll-interval",
			Value:       2 * time.Second,
			Destination: &pollInterval,
			Usage:       "delay between discovery polls",
		},
		&cli.DurationFlag{
			Name:        "initial-delay",
			Value:       time.Second,
			Destination: &initialDelay,
			Usage:       "delay before the first discovery poll",
		},
		&cli.IntFlag{
			Name:        "vendor",
			Value:       -1,
			Destination: &vendorID,
			Usage:       "only watch devices with this vendor ID",
		},
		&cli.IntFlag{
			Name:        "product",
			Value:       -1,
			Destination: &productID,
			Usage:       "only watch devices with this product ID",
		},
		&cli.BoolFlag{
			Name:        "connect",
			Destination: &connect,
			Usage:       "request permission and open devices as they attach",
		},
	}
	app.Action = func(c *cli.Context) error {
		return run(filterFile, pollInterval, initialDelay, vendorID, productID, connect)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(filterFile string, pollInterval, initialDelay time.Duration, vendorID, productID int, connect bool) error {
	log := logrus.WithField("component", "usbwatch")
	usbid.LoadSystemDatabase()

	filters, err := loadFilters(filterFile, vendorID, productID)
	if err != nil {
		return err
	}

	backend, err := hostusb.NewLinuxBackend()
	if err != nil {
		return fmt.Errorf("failed to open USB backend: %w", err)
	}
	defer backend.Close()

	listener := &logListener{log: log, connect: connect}
	monitor := usbmon.NewDeviceMonitor(backend, listener,
		usbmon.WithLogger(log),
		usbmon.WithPollInterval(pollInterval),
		usbmon.WithInitialDelay(initialDelay),
		usbmon.WithFilters(filters...))
	listener.monitor = monitor
	defer monitor.Destroy()

	if err := monitor.Register(); err != nil {
		return err
	}
	log.Info("watching; interrupt to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

func loadFilters(path string, vendorID, productID int) ([]*usbmon.DeviceFilter, error) {
	var filters []*usbmon.DeviceFilter
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open filter file: %w", err)
		}
		defer f.Close()
		filters, err = usbmon.LoadFilters(f, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to parse filter file: %w", err)
		}
	}
	if vendorID >= 0 || productID >= 0 {
		f := usbmon.NewDeviceFilter()
		f.VendorID = vendorID
		f.ProductID = productID
		filters = append(filters, f)
	}
	return filters, nil
}

// logListener reports every lifecycle callback through logrus; with connect
// enabled it also drives the permission/open path for attached devices.
// The monitor back-pointer is filled in after construction.
type logListener struct {
	log     *logrus.Entry
	connect bool
	monitor *usbmon.DeviceMonitor
}

func (l *logListener) OnAttach(dev *hostusb.Device) {
	l.log.Infof("attach %s %04x:%04x %s", dev.Path, dev.VendorID, dev.ProductID,
		usbid.VendorName(dev.VendorID))
	if !l.connect || l.monitor == nil {
		return
	}
	ticket, err := l.monitor.RequestPermission(dev)
	if err != nil {
		l.log.Warnf("permission request failed: %v", err)
		return
	}
	go func() {
		<-ticket.Done()
		if !ticket.Granted() {
			return
		}
		l.monitor.Connect(dev)
	}()
}

func (l *logListener) OnDeAttach(dev *hostusb.Device) {
	l.log.Infof("detach %s %04x:%04x", dev.Path, dev.VendorID, dev.ProductID)
}

func (l *logListener) OnConnect(dev *hostusb.Device, block *usbmon.ControlBlock, createNew bool, slot int) {
	l.log.Infof("connect slot %d %s fd=%d new=%v info=%s",
		slot, block.DeviceName(), block.FileDescriptor(), createNew, block.Info())
}

func (l *logListener) OnDisconnect(dev *hostusb.Device, block *usbmon.ControlBlock) {
	l.log.Infof("disconnect %s", block.DeviceName())
}

func (l *logListener) OnCancel(dev *hostusb.Device) {
	l.log.Infof("cancel %s", dev.Path)
}
