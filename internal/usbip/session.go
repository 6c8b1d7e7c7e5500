/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Device session: TCP connect, OP_REQ_IMPORT/OP_REP_IMPORT handshake,
 * reader/writer goroutines, lifecycle FSM, cancellation coordination.
 * spec.md §4.5, §4.8, §5
 */

package usbip

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// SessionState is the device session lifecycle, spec.md §4.5
type SessionState int

// Session states
const (
	StateHandshaking SessionState = iota
	StateRunning
	StateDraining
	StateClosed
)

// String renders a SessionState for log lines
func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// outboundFrame is one write-side queue entry
type outboundFrame struct {
	data []byte
}

// Session owns one TCP connection to a remote USB/IP stub and
// multiplexes CMD_SUBMIT/CMD_UNLINK writes against RET_SUBMIT/RET_UNLINK
// reads for a single imported device, spec.md §4.5
type Session struct {
	conn  net.Conn
	devid uint32

	seq *SeqAllocator
	reg *RequestRegistry
	eps *EndpointTable

	out chan outboundFrame

	mu    sync.Mutex
	state SessionState

	closeOnce sync.Once
	closed    chan struct{}

	// OnTerminate is invoked exactly once, from whichever path closes
	// the session (Close, or a reader/writer failure), after every
	// outstanding request has been drained, so the owner (the
	// hub/attach layer) can reclaim the bound port. The reader/writer
	// goroutines have been told to stop by then but are not waited
	// for. May be nil
	OnTerminate func(*Session, error)
}

// Dial connects to loc, performs the OP_REQ_IMPORT/OP_REP_IMPORT
// handshake, and returns a Session in StateRunning along with the
// decoded ImportReply. On any failure before a successful handshake,
// no Session is returned and the connection is closed
func Dial(ctx context.Context, loc DeviceLocation) (*Session, ImportReply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(loc.Host, loc.Service))
	if err != nil {
		return nil, ImportReply{}, newErr(KindUnreachable, "dial", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	return handshake(conn, loc.BusID)
}

// handshake runs OP_REQ_IMPORT/OP_REP_IMPORT over an already-connected
// conn and, on success, starts the session's goroutines. Split out of
// Dial so tests can drive the handshake over a net.Pipe instead of a
// real TCP socket
func handshake(conn net.Conn, busid string) (*Session, ImportReply, error) {
	req, err := EncodeOpImport(busid)
	if err != nil {
		conn.Close()
		return nil, ImportReply{}, newErr(KindInternal, "dial", err)
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, ImportReply{}, newErr(KindUnreachable, "dial", err)
	}

	reply, err := DecodeOpImportReply(conn)
	if err != nil {
		conn.Close()
		return nil, ImportReply{}, err
	}

	conn.SetDeadline(time.Time{})

	s := &Session{
		conn:   conn,
		devid:  reply.DevID(),
		seq:    &SeqAllocator{},
		reg:    NewRequestRegistry(),
		eps:    NewEndpointTable(),
		out:    make(chan outboundFrame, 64),
		state:  StateRunning,
		closed: make(chan struct{}),
	}

	go s.writeLoop()
	go s.readLoop()

	return s, reply, nil
}

// State returns the session's current lifecycle state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoints returns the session's endpoint table
func (s *Session) Endpoints() *EndpointTable {
	return s.eps
}

// Submit enqueues a CMD_SUBMIT and returns its Request, whose Done
// channel eventually delivers the RET_SUBMIT outcome. Per spec.md §7,
// Submit itself never returns a ProtocolError: failures after
// enqueueing surface through the Request's completion
func (s *Session) Submit(ep EndpointAddr, flags uint32, length, startFrame,
	numberOfPackets, interval int32, setup [8]byte, payload []byte) (*Request, error) {

	return s.submit(ep, flags, length, startFrame, numberOfPackets, interval, setup, payload, nil, nil)
}

// SubmitSetInterface submits a SET_INTERFACE control transfer. If it
// completes successfully, the reader task atomically replaces iface's
// endpoint set with descs and selects alt, cancelling any requests
// still outstanding on displaced endpoints with status Stalled
// (spec.md §4.2). This is the only way the endpoint table changes
// interface membership: never when the request is merely enqueued,
// only once the remote has acknowledged the switch (DESIGN.md Open
// Question 2)
func (s *Session) SubmitSetInterface(ep EndpointAddr, flags uint32, length, startFrame,
	numberOfPackets, interval int32, setup [8]byte, iface uint8, alt int, descs []EndpointDesc) (*Request, error) {

	hook := &altSwitch{Interface: iface, Alt: alt, Descs: descs}
	return s.submit(ep, flags, length, startFrame, numberOfPackets, interval, setup, nil, hook, nil)
}

// SubmitClearFeatureHalt submits a CLEAR_FEATURE(ENDPOINT_HALT)
// control transfer targeting target. If it completes successfully,
// the reader task resets target's toggle and halt state (spec.md §4.2)
func (s *Session) SubmitClearFeatureHalt(ep EndpointAddr, flags uint32, setup [8]byte, target EndpointAddr) (*Request, error) {
	return s.submit(ep, flags, 0, 0, 0, 0, setup, nil, nil, &target)
}

// submit is the shared implementation behind Submit and its
// control-transfer variants
func (s *Session) submit(ep EndpointAddr, flags uint32, length, startFrame,
	numberOfPackets, interval int32, setup [8]byte, payload []byte, hook *altSwitch,
	resetToggle *EndpointAddr) (*Request, error) {

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != StateRunning {
		return nil, newErr(KindGone, "submit", nil)
	}

	seqnum, err := s.seq.Next(ep.Dir)
	if err != nil {
		s.transitionDraining(err)
		return nil, newErr(KindGone, "submit", nil)
	}

	s.eps.Ensure(ep)

	req := newRequest(seqnum, ep, ep.Dir)
	req.altSwitch = hook
	req.resetToggle = resetToggle
	s.reg.Insert(req)

	frame := EncodeCmdSubmit(seqnum, s.devid, ep.Dir, uint32(ep.Number),
		flags, length, startFrame, numberOfPackets, interval, setup, payload)

	select {
	case s.out <- outboundFrame{data: frame}:
	case <-s.closed:
		s.reg.Remove(seqnum, CompletionResult{Status: CompletionCancelled, Err: newErr(KindGone, "submit", nil)})
		return nil, newErr(KindGone, "submit", nil)
	}

	return req, nil
}

// Cancel initiates cancellation of the request registered under
// seqnum by sending CMD_UNLINK, per spec.md §4.8. It does not wait for
// the outcome: the caller observes it on the Request's Done channel,
// which may resolve with CompletionCancelled or (if the reply raced
// in first) with the original CompletionOK/CompletionError
func (s *Session) Cancel(seqnum uint32) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != StateRunning {
		return newErr(KindGone, "cancel", nil)
	}

	req, ok := s.reg.Lookup(seqnum)
	if !ok {
		return nil // already completed; nothing to cancel
	}

	unlinkSeq, err := s.seq.Next(req.Direction)
	if err != nil {
		s.transitionDraining(err)
		return nil
	}

	if !s.reg.MarkCancelling(seqnum, unlinkSeq) {
		return nil // raced with completion; already done or cancelling
	}

	frame := EncodeCmdUnlink(unlinkSeq, s.devid, req.Direction, uint32(req.Endpoint.Number), seqnum)

	select {
	case s.out <- outboundFrame{data: frame}:
	case <-s.closed:
	}

	return nil
}

// CancelEndpoint sends a CMD_UNLINK for every request outstanding on
// addr (spec.md §4.8). The alternate-setting switch in applySideEffects
// does not go through here: it completes displaced requests locally
// with status Stalled via DrainByEndpoint
func (s *Session) CancelEndpoint(addr EndpointAddr) {
	for _, req := range s.reg.ByEndpoint(addr) {
		s.Cancel(req.Seqnum)
	}
}

// Close drains every outstanding request as cancelled and tears down
// the connection, transitioning to Closed. Safe to call more than once
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.closed)
		err = s.conn.Close()

		result := CompletionResult{Status: CompletionCancelled, Err: cause}
		if cause != nil {
			result.Status = CompletionError
		}
		s.reg.DrainAll(result)

		if s.OnTerminate != nil {
			s.OnTerminate(s, cause)
		}
	})
	return err
}

// transitionDraining moves the session to Draining and begins
// unwinding toward Closed. Idempotent
func (s *Session) transitionDraining(cause error) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()

	s.closeWith(cause)
}

// writeLoop serializes outbound frames onto the connection in FIFO
// order, spec.md §5
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.out:
			if _, err := s.conn.Write(f.data); err != nil {
				s.transitionDraining(newErr(KindProtocolError, "write", err))
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop decodes RET_SUBMIT/RET_UNLINK frames and dispatches them to
// the registry, spec.md §4.8 for the cancellation race
func (s *Session) readLoop() {
	hdr := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			s.transitionDraining(newErr(KindProtocolError, "read", err))
			return
		}

		h, err := DecodeHeader(hdr)
		if err != nil {
			s.transitionDraining(newErr(KindProtocolError, "read", err))
			return
		}

		switch h.Command {
		case retSubmit:
			if err := s.handleRetSubmit(h); err != nil {
				s.transitionDraining(err)
				return
			}
		case retUnlink:
			s.handleRetUnlink(h)
		default:
			s.transitionDraining(newErr(KindProtocolError, "read",
				fmt.Errorf("unexpected command %#x", h.Command)))
			return
		}
	}
}

// handleRetSubmit reads any trailing payload/iso descriptors for a
// RET_SUBMIT and completes the matching request
func (s *Session) handleRetSubmit(h Header) error {
	req, ok := s.reg.Lookup(h.Seqnum)

	// The payload must be drained whenever the header says IN, whether
	// or not the seqnum is still registered: an orphan RET_SUBMIT
	// arriving after its request was already completed locally by a
	// racing RET_UNLINK still carries its payload bytes on the wire,
	// and skipping them desyncs every frame that follows
	var payload []byte
	if Direction(h.Direction) == DirIn && h.ActualLength() > 0 {
		payload = make([]byte, h.ActualLength())
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return newErr(KindProtocolError, "read", ErrShortRead)
		}
	}

	var isoDescs []IsoPacketDescriptor
	if HasIsoTrailer(h.NumberOfPackets()) {
		descs, err := readIsoTrailer(s.conn, int(h.NumberOfPackets()))
		if err != nil {
			return newErr(KindProtocolError, "read", err)
		}
		isoDescs = descs
	}

	if !ok {
		return nil // already removed (e.g. RET_UNLINK won the race)
	}

	status := CompletionOK
	if h.Status() != 0 {
		status = CompletionError
	}

	if status == CompletionOK {
		s.applySideEffects(req)
	}

	s.reg.Remove(h.Seqnum, CompletionResult{
		Status:       status,
		ActualLength: h.ActualLength(),
		URBStatus:    h.Status(),
		Payload:      payload,
		IsoDescs:     isoDescs,
	})

	return nil
}

// applySideEffects performs the endpoint-table mutations a successfully
// completed control transfer triggers, per spec.md §4.2/§5: alternate
// switches and toggle/halt resets happen only here, in the reader task,
// once the device has acknowledged the change (submit separately adds
// unknown endpoint addresses via Ensure). Must
// be called before the triggering request is removed from the registry
func (s *Session) applySideEffects(req *Request) {
	if sw := req.altSwitch; sw != nil {
		displaced := s.eps.SelectAlt(sw.Interface, sw.Alt, sw.Descs)
		for _, addr := range displaced {
			s.reg.DrainByEndpoint(addr, CompletionResult{Status: CompletionStalled})
		}
	}
	if req.resetToggle != nil {
		s.eps.ResetToggle(*req.resetToggle)
	}
}

// handleRetUnlink completes the request whose CMD_UNLINK this
// RET_UNLINK answers, per spec.md §4.8. If the original RET_SUBMIT
// already won the race, the registry lookup misses and this is a no-op
func (s *Session) handleRetUnlink(h Header) {
	s.reg.RemoveByUnlinkSeqnum(h.Seqnum, CompletionResult{
		Status: CompletionCancelled,
	})
}

// readIsoTrailer reads n iso packet descriptors from r
func readIsoTrailer(r io.Reader, n int) ([]IsoPacketDescriptor, error) {
	buf := make([]byte, n*isoDescSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrShortRead
	}
	return DecodeIsoDescriptors(buf, n)
}

