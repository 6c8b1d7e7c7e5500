/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Tests for the port table
 */

package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nraggett/usbip-win2/internal/usbip"
)

func loc(busid string) usbip.DeviceLocation {
	return usbip.DeviceLocation{Host: "10.0.0.1", Service: "3240", BusID: busid}
}

func TestAllocateLowestFree(t *testing.T) {
	tbl := NewTable(3)

	p1, err := tbl.Allocate(usbip.ImportedDevice{Location: loc("1-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, p1)

	p2, err := tbl.Allocate(usbip.ImportedDevice{Location: loc("1-2")})
	require.NoError(t, err)
	assert.Equal(t, 2, p2)

	tbl.Reclaim(p1)

	p3, err := tbl.Allocate(usbip.ImportedDevice{Location: loc("1-3")})
	require.NoError(t, err)
	assert.Equal(t, 1, p3, "freed port should be reused before higher ports")
}

func TestAllocateNoFreePort(t *testing.T) {
	tbl := NewTable(1)

	_, err := tbl.Allocate(usbip.ImportedDevice{Location: loc("1-1")})
	require.NoError(t, err)

	_, err = tbl.Allocate(usbip.ImportedDevice{Location: loc("1-2")})
	require.Error(t, err)
	assert.True(t, usbip.IsKind(err, usbip.KindNoFreePort))
}

func TestReclaimIdempotent(t *testing.T) {
	tbl := NewTable(2)
	tbl.Reclaim(1)
	tbl.Reclaim(99) // out of range, must not panic
	tbl.Reclaim(-1)
}

func TestFindByLocation(t *testing.T) {
	tbl := NewTable(2)
	l := loc("2-1")
	port, err := tbl.Allocate(usbip.ImportedDevice{Location: l})
	require.NoError(t, err)

	found, ok := tbl.FindByLocation(l)
	require.True(t, ok)
	assert.Equal(t, port, found)

	_, ok = tbl.FindByLocation(loc("2-2"))
	assert.False(t, ok)
}

func TestReclaimAll(t *testing.T) {
	tbl := NewTable(2)
	tbl.Allocate(usbip.ImportedDevice{Location: loc("1-1")})
	tbl.Allocate(usbip.ImportedDevice{Location: loc("1-2")})

	tbl.ReclaimAll()
	assert.Empty(t, tbl.Snapshot())
}

func TestSnapshot(t *testing.T) {
	tbl := NewTable(2)
	tbl.Allocate(usbip.ImportedDevice{Location: loc("1-1")})

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	dev := snap[1]
	assert.Equal(t, "1-1", dev.Location.BusID)
	assert.Equal(t, 1, dev.Port)
}
