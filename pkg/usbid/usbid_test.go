package usbid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinVendors(t *testing.T) {
	assert.Equal(t, "Linux Foundation", VendorName(0x1d6b))
	assert.Equal(t, "Logitech, Inc.", VendorName(0x046d))
	assert.Equal(t, "", VendorName(0xfff0))
	assert.Equal(t, "", VendorName(-1))
	assert.Equal(t, "", VendorName(0x10000))
}

func TestLoadMergesEntries(t *testing.T) {
	src := `# usb.ids excerpt
1234  Acme Corp.
	5678  Widget Camera
	9abc  Widget Hub
abcd  Other Vendor

C 0e  Video
	01  Video Control
`
	db := NewDB()
	require.NoError(t, db.Load(strings.NewReader(src)))

	assert.Equal(t, "Acme Corp.", db.Vendor(0x1234))
	assert.Equal(t, "Widget Camera", db.Product(0x1234, 0x5678))
	assert.Equal(t, "Widget Hub", db.Product(0x1234, 0x9abc))
	assert.Equal(t, "Other Vendor", db.Vendor(0xabcd))

	// class section must not register as a vendor or product
	assert.Equal(t, "", db.Vendor(0x0e01))
	assert.Equal(t, "", db.Product(0xabcd, 0x0001))

	// built-ins survive a load
	assert.Equal(t, "Linux Foundation", db.Vendor(0x1d6b))
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	src := "zzzz  Not Hex\n\txxxx  Orphan Product\n12  Short\n1234  Good Vendor\n"
	db := NewDB()
	require.NoError(t, db.Load(strings.NewReader(src)))
	assert.Equal(t, "Good Vendor", db.Vendor(0x1234))
}

func TestLoadFileMissing(t *testing.T) {
	db := NewDB()
	assert.Error(t, db.LoadFile("/nonexistent/usb.ids"))
}
