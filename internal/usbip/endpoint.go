/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Endpoint table: per-endpoint pipe state, toggle/halt bookkeeping, and
 * atomic alternate-setting switches, spec.md §4.2/§3
 */

package usbip

import "sync"

// Direction of a transfer, carried in the header's direction field
type Direction uint32

// Directions
const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// String renders a Direction for log lines
func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// EndpointAddr is the (endpoint number, direction) pair that keys the
// table. Control endpoint 0 is directionless on the wire but is always
// looked up as {0, DirOut}
type EndpointAddr struct {
	Number uint8
	Dir    Direction
}

// EndpointType classifies an endpoint's transfer type, spec.md §3
type EndpointType int

// Endpoint types
const (
	TypeControl EndpointType = iota
	TypeBulk
	TypeInterrupt
	TypeIso
)

// noInterface marks an endpoint that isn't owned by any interface
// (the control endpoint, which exists independent of configuration)
const noInterface = 0xFF

// EndpointDesc describes one endpoint's pipe shape, the fields
// `install` and `select_alt` populate, spec.md §3
type EndpointDesc struct {
	Addr      EndpointAddr
	Type      EndpointType
	MaxPacket uint16
	Interval  uint8

	// Interface is the interface number this endpoint belongs to, or
	// noInterface for the control endpoint, which doesn't move across
	// SET_INTERFACE switches
	Interface uint8
}

// Endpoint is the table's lookup result: a descriptor plus its current
// toggle/halt state, spec.md §4.2 `lookup`
type Endpoint struct {
	EndpointDesc
	Toggle bool
	Halted bool
}

// endpointState is the table's internal per-key record
type endpointState struct {
	desc   EndpointDesc
	toggle bool
	halted bool
}

// EndpointTable tracks live endpoints for one imported device: pipe
// state, halt/toggle bookkeeping, and the currently selected alternate
// setting per interface, spec.md §4.2. Owned by the session. The
// session's reader task performs alternate switches and toggle/halt
// resets; Session.Submit also mutates it, from the submitting
// goroutine, by adding any unknown endpoint address with Ensure.
// Safe for concurrent use
type EndpointTable struct {
	mu   sync.Mutex
	eps  map[EndpointAddr]*endpointState
	alts map[uint8]int // interface -> current alternate setting
}

// NewEndpointTable returns a table with the control endpoint already
// installed, per spec.md §3's "control endpoint 0 always present"
func NewEndpointTable() *EndpointTable {
	t := &EndpointTable{
		eps:  make(map[EndpointAddr]*endpointState),
		alts: make(map[uint8]int),
	}
	t.eps[EndpointAddr{Number: 0, Dir: DirOut}] = &endpointState{
		desc: EndpointDesc{Addr: EndpointAddr{Number: 0, Dir: DirOut}, Type: TypeControl, Interface: noInterface},
	}
	return t
}

// Lookup returns addr's current descriptor and toggle/halt state
func (t *EndpointTable) Lookup(addr EndpointAddr) (Endpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.eps[addr]
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{EndpointDesc: st.desc, Toggle: st.toggle, Halted: st.halted}, true
}

// Install registers desc's endpoint if it isn't already present.
// Idempotent per key: re-installing an already-known address has no
// effect, so re-parsing the same descriptor table twice is harmless
func (t *EndpointTable) Install(desc EndpointDesc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.eps[desc.Addr]; ok {
		return
	}
	t.eps[desc.Addr] = &endpointState{desc: desc}
}

// Ensure is a lighter-weight Install for callers (e.g. Submit) that
// only know the address, not the full descriptor, and just need the
// key to exist
func (t *EndpointTable) Ensure(addr EndpointAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.eps[addr]; !ok {
		t.eps[addr] = &endpointState{desc: EndpointDesc{Addr: addr, Interface: noInterface}}
	}
}

// ResetToggle clears addr's data toggle and halt, mirroring
// CLEAR_FEATURE(ENDPOINT_HALT) on the real device, spec.md §4.2
func (t *EndpointTable) ResetToggle(addr EndpointAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.eps[addr]; ok {
		st.toggle = false
		st.halted = false
	}
}

// Halt marks addr halted, e.g. on a stalled transfer
func (t *EndpointTable) Halt(addr EndpointAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.eps[addr]; ok {
		st.halted = true
	}
}

// IsHalted reports addr's halt state
func (t *EndpointTable) IsHalted(addr EndpointAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.eps[addr]
	return ok && st.halted
}

// SelectAlt atomically replaces every endpoint belonging to iface with
// descs, the new alternate setting's endpoint set, per spec.md §4.2.
// Endpoints previously installed under iface but absent from descs are
// removed from the table and returned as displaced addresses: the
// caller (the reader task, per spec.md §5) is responsible for
// completing any requests still outstanding on them with status
// Stalled, since those pipes no longer exist under the new alternate
func (t *EndpointTable) SelectAlt(iface uint8, alt int, descs []EndpointDesc) []EndpointAddr {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := make(map[EndpointAddr]bool, len(descs))
	for _, d := range descs {
		keep[d.Addr] = true
	}

	var displaced []EndpointAddr
	for addr, st := range t.eps {
		if st.desc.Interface == iface && !keep[addr] {
			displaced = append(displaced, addr)
			delete(t.eps, addr)
		}
	}

	for _, d := range descs {
		d.Interface = iface
		t.eps[d.Addr] = &endpointState{desc: d}
	}

	t.alts[iface] = alt
	return displaced
}

// CurrentAlt returns the alternate setting last selected for iface, or
// -1 if SelectAlt has never been called for it
func (t *EndpointTable) CurrentAlt(iface uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if alt, ok := t.alts[iface]; ok {
		return alt
	}
	return -1
}

// Addrs returns a snapshot of every known endpoint address
func (t *EndpointTable) Addrs() []EndpointAddr {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EndpointAddr, 0, len(t.eps))
	for a := range t.eps {
		out = append(out, a)
	}
	return out
}
