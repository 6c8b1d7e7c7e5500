/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Port table / hub: fixed-size 1-based port allocation, spec.md §4.6
 */

package hub

import (
	"sync"

	"github.com/nraggett/usbip-win2/internal/usbip"
)

// Table is a fixed-size, 1-based array of ports. Port 0 never exists.
// Allocation always picks the lowest-numbered free port, matching
// original_source's vhub_get_empty_port. Safe for concurrent use
type Table struct {
	mu    sync.RWMutex
	slots []*usbip.ImportedDevice // index 0 unused, ports are 1..len-1
}

// NewTable returns a Table with n ports, numbered 1..n
func NewTable(n int) *Table {
	return &Table{slots: make([]*usbip.ImportedDevice, n+1)}
}

// Size returns the number of ports the table manages
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots) - 1
}

// Allocate binds dev to the lowest-numbered free port and returns it.
// Callers roll back (call Reclaim) if a later step of their attach
// fails
func (t *Table) Allocate(dev usbip.ImportedDevice) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for port := 1; port < len(t.slots); port++ {
		if t.slots[port] == nil {
			dev.Port = port
			t.slots[port] = &dev
			return port, nil
		}
	}

	return 0, &usbip.Error{Kind: usbip.KindNoFreePort, Op: "allocate"}
}

// Get returns the device bound to port, if any
func (t *Table) Get(port int) (usbip.ImportedDevice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if port < 1 || port >= len(t.slots) || t.slots[port] == nil {
		return usbip.ImportedDevice{}, false
	}
	return *t.slots[port], true
}

// FindByLocation returns the port bound to loc, if any
func (t *Table) FindByLocation(loc usbip.DeviceLocation) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for port, dev := range t.slots {
		if dev != nil && dev.Location == loc {
			return port, true
		}
	}
	return 0, false
}

// Reclaim frees port. Idempotent: reclaiming an already-free or
// out-of-range port is not an error, matching vhci_unplug_port's
// "missing vpdo is not an error" behavior
func (t *Table) Reclaim(port int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if port < 1 || port >= len(t.slots) {
		return
	}
	t.slots[port] = nil
}

// ReclaimAll frees every port, matching vhci_unplug_port's "port < 0
// means unplug all" behavior
func (t *Table) ReclaimAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		t.slots[i] = nil
	}
}

// Snapshot returns every currently bound device, indexed by port
func (t *Table) Snapshot() map[int]usbip.ImportedDevice {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]usbip.ImportedDevice)
	for port, dev := range t.slots {
		if dev != nil {
			out[port] = *dev
		}
	}
	return out
}
