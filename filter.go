package usbmon

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openuvc/usbmon/pkg/hostusb"
)

// DeviceFilter is a predicate over a USB device identity. Numeric fields use
// -1 and string fields use "" for "don't care". Exclude inverts inclusion
// when a filter list is applied, but has no effect on Matches itself.
type DeviceFilter struct {
	VendorID  int
	ProductID int
	Class     int
	SubClass  int
	Protocol  int

	ManufacturerName string
	ProductName      string
	SerialNumber     string

	Exclude bool
}

// NewDeviceFilter returns a filter with every field wildcarded.
func NewDeviceFilter() *DeviceFilter {
	return &DeviceFilter{VendorID: -1, ProductID: -1, Class: -1, SubClass: -1, Protocol: -1}
}

// FilterFromDevice builds a filter from a device's own identity fields.
func FilterFromDevice(dev *hostusb.Device, exclude bool) *DeviceFilter {
	return &DeviceFilter{
		VendorID:  dev.VendorID,
		ProductID: dev.ProductID,
		Class:     dev.Class,
		SubClass:  dev.SubClass,
		Protocol:  dev.Protocol,
		Exclude:   exclude,
	}
}

func (f *DeviceFilter) matchesTriple(class, subClass, protocol int) bool {
	return (f.Class == -1 || class == f.Class) &&
		(f.SubClass == -1 || subClass == f.SubClass) &&
		(f.Protocol == -1 || protocol == f.Protocol)
}

// Matches reports whether the device satisfies the filter: vendor and
// product must equal if constrained, then either the device-level class
// triple matches, or the triple of any one of the device's interfaces does.
func (f *DeviceFilter) Matches(dev *hostusb.Device) bool {
	if f.VendorID != -1 && dev.VendorID != f.VendorID {
		return false
	}
	if f.ProductID != -1 && dev.ProductID != f.ProductID {
		return false
	}
	if f.matchesTriple(dev.Class, dev.SubClass, dev.Protocol) {
		return true
	}
	for _, iface := range dev.Interfaces {
		if f.matchesTriple(iface.Class, iface.SubClass, iface.Protocol) {
			return true
		}
	}
	return false
}

// Equal reports filter equality. A filter with any wildcarded numeric field
// is never equal to anything.
func (f *DeviceFilter) Equal(other *DeviceFilter) bool {
	if f.VendorID == -1 || f.ProductID == -1 || f.Class == -1 || f.SubClass == -1 || f.Protocol == -1 {
		return false
	}
	if other == nil {
		return false
	}
	if other.VendorID != f.VendorID || other.ProductID != f.ProductID ||
		other.Class != f.Class || other.SubClass != f.SubClass || other.Protocol != f.Protocol {
		return false
	}
	if other.ManufacturerName != f.ManufacturerName ||
		other.ProductName != f.ProductName ||
		other.SerialNumber != f.SerialNumber {
		return false
	}
	return other.Exclude == f.Exclude
}

// EqualDevice compares the filter against a raw device identity under the
// same rule, ignoring the filter's string fields. Exclusion filters are
// never equal to a device.
func (f *DeviceFilter) EqualDevice(dev *hostusb.Device) bool {
	if f.VendorID == -1 || f.ProductID == -1 || f.Class == -1 || f.SubClass == -1 || f.Protocol == -1 {
		return false
	}
	if dev == nil || f.Exclude {
		return false
	}
	return dev.VendorID == f.VendorID && dev.ProductID == f.ProductID &&
		dev.Class == f.Class && dev.SubClass == f.SubClass && dev.Protocol == f.Protocol
}

func (f *DeviceFilter) String() string {
	return fmt.Sprintf("DeviceFilter[vendorID=%d,productID=%d,class=%d,subClass=%d,protocol=%d,"+
		"manufacturer=%q,product=%q,serial=%q,exclude=%v]",
		f.VendorID, f.ProductID, f.Class, f.SubClass, f.Protocol,
		f.ManufacturerName, f.ProductName, f.SerialNumber, f.Exclude)
}

// Resolver looks up a named resource referenced from a filter record with an
// "@name" value. The second result reports whether the name was found.
type Resolver func(name string) (string, bool)

// LoadFilters parses a declarative filter list: a JSON array of records with
// optional fields vendor-id, product-id, class, subclass, protocol,
// manufacturer-name, product-name, serial-number and exclude. Numeric values
// may be decimal numbers, decimal or 0x-prefixed hex strings, or "@name"
// references resolved through the resolver (which may be nil). Malformed
// records are skipped with a warning; malformed attributes fall back to the
// wildcard value.
func LoadFilters(r io.Reader, resolve Resolver) ([]*DeviceFilter, error) {
	var records []json.RawMessage
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode filter list: %w", err)
	}

	log := logrus.WithField("component", "usbmon")
	filters := make([]*DeviceFilter, 0, len(records))
	for i, raw := range records {
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Warnf("skipping malformed filter record %d: %v", i, err)
			continue
		}
		f := NewDeviceFilter()
		f.VendorID = attrInt(log, rec, resolve, "vendor-id", "vendorId", "venderId")
		f.ProductID = attrInt(log, rec, resolve, "product-id", "productId")
		f.Class = attrInt(log, rec, resolve, "class")
		f.SubClass = attrInt(log, rec, resolve, "subclass")
		f.Protocol = attrInt(log, rec, resolve, "protocol")
		f.ManufacturerName = attrString(rec, resolve, "manufacturer-name", "manufacture")
		f.ProductName = attrString(rec, resolve, "product-name", "product")
		f.SerialNumber = attrString(rec, resolve, "serial-number", "serial")
		f.Exclude = attrBool(log, rec, resolve, "exclude")
		filters = append(filters, f)
	}
	return filters, nil
}

func attrValue(rec map[string]any, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := rec[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func attrInt(log *logrus.Entry, rec map[string]any, resolve Resolver, names ...string) int {
	v, ok := attrValue(rec, names...)
	if !ok {
		return -1
	}
	switch v := v.(type) {
	case float64:
		return int(v)
	case string:
		n, err := parseNumber(v, resolve)
		if err != nil {
			log.Warnf("bad filter attribute %q: %v", names[0], err)
			return -1
		}
		return n
	default:
		log.Warnf("bad filter attribute %q: unsupported type %T", names[0], v)
		return -1
	}
}

func attrString(rec map[string]any, resolve Resolver, names ...string) string {
	v, ok := attrValue(rec, names...)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	if strings.HasPrefix(s, "@") && resolve != nil {
		if resolved, ok := resolve(s[1:]); ok {
			return resolved
		}
		return ""
	}
	return s
}

func attrBool(log *logrus.Entry, rec map[string]any, resolve Resolver, names ...string) bool {
	v, ok := attrValue(rec, names...)
	if !ok {
		return false
	}
	switch v := v.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		if strings.EqualFold(v, "true") {
			return true
		}
		if strings.EqualFold(v, "false") {
			return false
		}
		n, err := parseNumber(v, resolve)
		if err != nil {
			log.Warnf("bad filter attribute %q: %v", names[0], err)
			return false
		}
		return n != 0
	default:
		return false
	}
}

func parseNumber(s string, resolve Resolver) (int, error) {
	if strings.HasPrefix(s, "@") {
		if resolve == nil {
			return 0, fmt.Errorf("no resolver for resource %q", s)
		}
		resolved, ok := resolve(s[1:])
		if !ok {
			return 0, fmt.Errorf("unknown resource %q", s)
		}
		s = resolved
	}
	radix := 10
	if len(s) > 2 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		radix = 16
		s = s[2:]
	}
	n, err := strconv.ParseInt(s, radix, 32)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
