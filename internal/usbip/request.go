/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * In-flight request bookkeeping, spec.md §4.4
 */

package usbip

import "time"

// RequestState is a Request's lifecycle state, spec.md §4.4
type RequestState int

// Request states
const (
	StatePending RequestState = iota
	StateCancelling
	StateDone
)

// String renders a RequestState for log lines
func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCancelling:
		return "cancelling"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// CompletionStatus classifies how a Request finished
type CompletionStatus int

// Completion statuses
const (
	CompletionOK CompletionStatus = iota
	CompletionError
	CompletionCancelled
	CompletionStalled
)

// String renders a CompletionStatus for log lines
func (c CompletionStatus) String() string {
	switch c {
	case CompletionOK:
		return "ok"
	case CompletionError:
		return "error"
	case CompletionCancelled:
		return "cancelled"
	case CompletionStalled:
		return "stalled"
	}
	return "unknown"
}

// CompletionResult is delivered to a Request's caller exactly once,
// spec.md §4.4/§7. Submit/cancel call boundaries never surface
// ProtocolError or Cancelled directly: those arrive here
type CompletionResult struct {
	Status       CompletionStatus
	ActualLength int32
	URBStatus    int32 // RET_SUBMIT status field, meaningful when Status == CompletionError
	Payload      []byte
	IsoDescs     []IsoPacketDescriptor
	Err          error
}

// Request is one in-flight CMD_SUBMIT, tracked from enqueue to
// RET_SUBMIT (or local cancellation), spec.md §4.4
type Request struct {
	Seqnum    uint32
	Endpoint  EndpointAddr
	Direction Direction
	Submitted time.Time

	state RequestState

	// UnlinkSeqnum is set once a CMD_UNLINK has been sent for this
	// request, i.e. state == StateCancelling. It is the unlink
	// command's own seqnum, distinct from Seqnum (spec.md §4.8)
	UnlinkSeqnum uint32

	// altSwitch and resetToggle carry the endpoint-table side effects
	// of a SET_INTERFACE or CLEAR_FEATURE(ENDPOINT_HALT) control
	// transfer, applied by the reader task only after the matching
	// RET_SUBMIT is decoded successfully (spec.md §4.2/§5, DESIGN.md
	// Open Question 2) — never when the request is merely submitted
	altSwitch   *altSwitch
	resetToggle *EndpointAddr

	done chan CompletionResult
}

// altSwitch records a pending SET_INTERFACE's effect on the endpoint
// table, to be applied once its RET_SUBMIT completes successfully
type altSwitch struct {
	Interface uint8
	Alt       int
	Descs     []EndpointDesc
}

// newRequest constructs a pending Request with its completion channel
func newRequest(seqnum uint32, ep EndpointAddr, dir Direction) *Request {
	return &Request{
		Seqnum:    seqnum,
		Endpoint:  ep,
		Direction: dir,
		Submitted: time.Now(),
		state:     StatePending,
		done:      make(chan CompletionResult, 1),
	}
}

// State returns the request's current lifecycle state
func (r *Request) State() RequestState {
	return r.state
}

// Done returns the channel the caller should receive the eventual
// CompletionResult from. Always buffered, always delivered exactly once
func (r *Request) Done() <-chan CompletionResult {
	return r.done
}

// complete delivers result and marks the request done. Must only be
// called by the registry holding its lock at the moment of removal
func (r *Request) complete(result CompletionResult) {
	r.state = StateDone
	r.done <- result
}
