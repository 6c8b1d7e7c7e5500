/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * OS-side collaborator boundary: the narrow interface the core calls
 * into for bus/PnP plumbing, which is otherwise out of scope
 */

package oscollab

import (
	"log"

	"github.com/nraggett/usbip-win2/internal/usbip"
)

// Collaborator is implemented by whatever owns the actual virtual bus
// on the host OS. The core never touches PnP, descriptor parsing, or
// driver stacks directly: it only calls through this interface
type Collaborator interface {
	// Plug is called once a device session is Running and bound to a
	// hub port, so the OS side can surface a new device on that port
	Plug(port int, dev usbip.ImportedDevice) error

	// Unplug is called when the port is reclaimed, whether due to a
	// clean detach or session teardown
	Unplug(port int)

	// OnLocalSubmit correlates a transfer submitted on behalf of the OS
	// side with the collaborator's own request handle. Session.Submit
	// does not call it
	OnLocalSubmit(port int, seqnum uint32)

	// OnLocalCancel notes that the OS side asked for a transfer to be
	// unlinked. Session.Cancel does not call it
	OnLocalCancel(port int, seqnum uint32)

	// Complete delivers a finished transfer's result back to whatever
	// local request originated it. The session does not call it: it
	// delivers results on Request.Done
	Complete(port int, seqnum uint32, result usbip.CompletionResult)
}

// LoggingCollaborator is a no-op Collaborator that only logs, useful
// for tests and for running the daemon without a real OS-side consumer
type LoggingCollaborator struct {
	Logger *log.Logger
}

// NewLoggingCollaborator returns a LoggingCollaborator writing to l.
// If l is nil, log.Default() is used
func NewLoggingCollaborator(l *log.Logger) *LoggingCollaborator {
	if l == nil {
		l = log.Default()
	}
	return &LoggingCollaborator{Logger: l}
}

// Plug logs the bind and always succeeds
func (c *LoggingCollaborator) Plug(port int, dev usbip.ImportedDevice) error {
	c.Logger.Printf("oscollab: plug port=%d dev=%s", port, dev.Location)
	return nil
}

// Unplug logs the reclaim
func (c *LoggingCollaborator) Unplug(port int) {
	c.Logger.Printf("oscollab: unplug port=%d", port)
}

// OnLocalSubmit logs the correlation
func (c *LoggingCollaborator) OnLocalSubmit(port int, seqnum uint32) {
	c.Logger.Printf("oscollab: local submit port=%d seq=%d", port, seqnum)
}

// OnLocalCancel logs the correlation
func (c *LoggingCollaborator) OnLocalCancel(port int, seqnum uint32) {
	c.Logger.Printf("oscollab: local cancel port=%d seq=%d", port, seqnum)
}

// Complete logs the outcome
func (c *LoggingCollaborator) Complete(port int, seqnum uint32, result usbip.CompletionResult) {
	c.Logger.Printf("oscollab: complete port=%d seq=%d status=%s", port, seqnum, result.Status)
}
