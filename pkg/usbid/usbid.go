// Package usbid maps USB vendor and product identifiers to human-readable
// names. It carries a small built-in table for common vendors and can be
// extended from a usb.ids database file when one is installed on the host.
package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the usual locations of the usb.ids database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// DB caches vendor and product names keyed by identifier.
type DB struct {
	mu       sync.RWMutex
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// NewDB returns a database seeded with the built-in vendor table.
func NewDB() *DB {
	db := &DB{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	db.seed()
	return db
}

func (db *DB) seed() {
	for vid, name := range builtinVendors {
		db.vendors[vid] = name
	}
}

// Load merges entries from a usb.ids formatted stream into the database.
// Vendor lines are "xxxx  Name", product lines are tab-indented "xxxx  Name"
// under their vendor; class and interface sections are skipped. Malformed
// lines are ignored.
func (db *DB) Load(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	scanner := bufio.NewScanner(r)
	var vid uint16
	var haveVendor bool
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			if !haveVendor {
				continue
			}
			id, name, ok := parseIDLine(line[1:])
			if !ok {
				continue
			}
			db.products[uint32(vid)<<16|uint32(id)] = name
			continue
		}
		id, name, ok := parseIDLine(line)
		if !ok {
			// a class, language or HID section follows; stop attributing
			// tab lines to the last vendor
			haveVendor = false
			continue
		}
		vid = id
		haveVendor = true
		db.vendors[vid] = name
	}
	return scanner.Err()
}

// LoadFile loads a usb.ids file from disk.
func (db *DB) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return db.Load(f)
}

// LoadDefault tries the standard database locations in order and reports
// whether any of them could be read.
func (db *DB) LoadDefault() bool {
	for _, path := range DefaultPaths {
		if err := db.LoadFile(path); err == nil {
			return true
		}
	}
	return false
}

func parseIDLine(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimLeft(line[4:], " ")
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the vendor name for the identifier, or "" when unknown.
func (db *DB) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name for the vendor/product pair, or "" when
// unknown.
func (db *DB) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

var global = NewDB()

// VendorName looks up a vendor name in the process-wide database.
func VendorName(vid int) string {
	if vid < 0 || vid > 0xffff {
		return ""
	}
	return global.Vendor(uint16(vid))
}

// ProductName looks up a product name in the process-wide database.
func ProductName(vid, pid int) string {
	if vid < 0 || vid > 0xffff || pid < 0 || pid > 0xffff {
		return ""
	}
	return global.Product(uint16(vid), uint16(pid))
}

// LoadSystemDatabase merges the host's usb.ids file into the process-wide
// database, when one exists.
func LoadSystemDatabase() bool {
	return global.LoadDefault()
}

// builtinVendors covers the vendors most likely to show up on a development
// host, so names resolve even without a usb.ids file.
var builtinVendors = map[uint16]string{
	0x045e: "Microsoft Corp.",
	0x046d: "Logitech, Inc.",
	0x04f2: "Chicony Electronics Co., Ltd",
	0x05ac: "Apple, Inc.",
	0x05e3: "Genesys Logic, Inc.",
	0x0b05: "ASUSTek Computer, Inc.",
	0x0bda: "Realtek Semiconductor Corp.",
	0x0c45: "Microdia",
	0x0e8d: "MediaTek Inc.",
	0x13d3: "IMC Networks",
	0x174c: "ASMedia Technology Inc.",
	0x1bcf: "Sunplus Innovation Technology Inc.",
	0x1d6b: "Linux Foundation",
	0x2109: "VIA Labs, Inc.",
	0x2ca3: "DJI Technology Co., Ltd.",
	0x8086: "Intel Corp.",
}
