/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Attach/detach/list API, gluing the device session core to the port
 * table and the OS-side collaborator, spec.md §4.7
 */

package attach

import (
	"context"
	"sync"

	"github.com/nraggett/usbip-win2/internal/hub"
	"github.com/nraggett/usbip-win2/internal/oscollab"
	"github.com/nraggett/usbip-win2/internal/usbip"
)

// Manager implements the attach/detach/list surface spec.md §6 exposes
// to the CLI/control socket. One Manager owns one hub.Table
type Manager struct {
	hub   *hub.Table
	coll  oscollab.Collaborator

	mu       sync.Mutex
	sessions map[int]*usbip.Session
}

// NewManager returns a Manager with n ports, delivering plug/unplug
// notifications to coll
func NewManager(n int, coll oscollab.Collaborator) *Manager {
	return &Manager{
		hub:      hub.NewTable(n),
		coll:     coll,
		sessions: make(map[int]*usbip.Session),
	}
}

// Attach dials loc, completes the handshake, binds the resulting
// device to a free port, and notifies the collaborator. The dial and
// handshake happen before a port is allocated: if no port is free, the
// new session is closed and KindNoFreePort is returned. A failure after
// port allocation (the collaborator refusing Plug) rolls the port back
func (m *Manager) Attach(ctx context.Context, loc usbip.DeviceLocation) (int, error) {
	if _, already := m.hub.FindByLocation(loc); already {
		return 0, &usbip.Error{Kind: usbip.KindAlreadyAttached, Op: "attach"}
	}

	sess, reply, err := usbip.Dial(ctx, loc)
	if err != nil {
		return 0, err
	}

	dev := usbip.ImportedDevice{
		Location:      loc,
		DevID:         reply.DevID(),
		Speed:         reply.Speed,
		Vendor:        reply.Vendor,
		Product:       reply.Product,
		BCdDevice:     reply.BCdDevice,
		Class:         reply.Class,
		SubClass:      reply.SubClass,
		Protocol:      reply.Protocol,
		NumConfigs:    reply.NumConfigs,
		NumInterfaces: reply.NumInterfaces,
		ConfigValue:   reply.ConfigValue,
		RemotePath:    reply.Path,
		RemoteBusID:   reply.BusID,
		RemoteBusNum:  reply.BusNum,
		RemoteDevNum:  reply.DevNum,
	}

	port, err := m.hub.Allocate(dev)
	if err != nil {
		sess.Close()
		return 0, err
	}

	sess.OnTerminate = func(s *usbip.Session, cause error) {
		m.mu.Lock()
		delete(m.sessions, port)
		m.mu.Unlock()

		m.hub.Reclaim(port)
		m.coll.Unplug(port)
	}

	m.mu.Lock()
	m.sessions[port] = sess
	m.mu.Unlock()

	if err := m.coll.Plug(port, dev); err != nil {
		sess.Close() // rolls the port back via OnTerminate
		return 0, &usbip.Error{Kind: usbip.KindInternal, Op: "attach", Err: err}
	}

	return port, nil
}

// Detach closes the session bound to port, if any. Detaching an
// already-free port is not an error, matching vhci_unplug_port
func (m *Manager) Detach(port int) error {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()

	if !ok {
		return nil
	}

	return sess.Close()
}

// DetachAll closes every session, port < 0 semantics from
// original_source's vhci_unplug_port ("unplug all")
func (m *Manager) DetachAll() {
	m.mu.Lock()
	sessions := make([]*usbip.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// List returns every currently bound device, indexed by port
func (m *Manager) List() map[int]usbip.ImportedDevice {
	return m.hub.Snapshot()
}

// Session returns the live session bound to port, for callers that
// need to submit/cancel transfers directly (e.g. the OS collaborator)
func (m *Manager) Session(port int) (*usbip.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[port]
	return sess, ok
}
