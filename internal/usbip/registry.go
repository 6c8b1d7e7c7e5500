/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Request registry: tracks in-flight CMD_SUBMITs by seqnum, by
 * endpoint, and (while cancelling) by the UNLINK's own seqnum,
 * spec.md §4.4/§4.8
 */

package usbip

import "sync"

// RequestRegistry is the single source of truth for in-flight requests
// on a session. One mutex guards all three indices; no I/O happens
// while it is held. Grounded on the primary/secondary index split in
// original_source's device_queue.cpp (search by seqnum vs by endpoint)
type RequestRegistry struct {
	mu sync.Mutex

	bySeq      map[uint32]*Request
	byEndpoint map[EndpointAddr][]*Request // insertion order preserved
	byUnlink   map[uint32]*Request         // unlink seqnum -> original request
}

// NewRequestRegistry returns an empty registry
func NewRequestRegistry() *RequestRegistry {
	return &RequestRegistry{
		bySeq:      make(map[uint32]*Request),
		byEndpoint: make(map[EndpointAddr][]*Request),
		byUnlink:   make(map[uint32]*Request),
	}
}

// Insert adds a newly submitted request. Seqnum must not already be
// registered
func (r *RequestRegistry) Insert(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bySeq[req.Seqnum] = req
	r.byEndpoint[req.Endpoint] = append(r.byEndpoint[req.Endpoint], req)
}

// Lookup returns the request registered under seqnum, if any
func (r *RequestRegistry) Lookup(seqnum uint32) (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.bySeq[seqnum]
	return req, ok
}

// MarkCancelling transitions a pending request to Cancelling and
// indexes it by the fresh unlinkSeqnum used on the wire CMD_UNLINK.
// Returns false if seqnum is unknown or already past Pending
func (r *RequestRegistry) MarkCancelling(seqnum, unlinkSeqnum uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.bySeq[seqnum]
	if !ok || req.state != StatePending {
		return false
	}

	req.state = StateCancelling
	req.UnlinkSeqnum = unlinkSeqnum
	r.byUnlink[unlinkSeqnum] = req
	return true
}

// ByEndpoint returns a snapshot of the requests currently outstanding
// on addr, in submission order, without removing them. Used when the
// caller still needs to drive each request's own removal path (e.g.
// CancelEndpoint, which unlinks each one over the wire rather than
// completing it locally)
func (r *RequestRegistry) ByEndpoint(addr EndpointAddr) []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.byEndpoint[addr]
	out := make([]*Request, len(src))
	copy(out, src)
	return out
}

// DrainByEndpoint atomically removes and completes every request
// outstanding on addr with result, preserving insertion order, per
// spec.md §4.4's `drain_by_endpoint`. Used when an alternate-setting
// switch displaces endpoints out from under their in-flight requests
func (r *RequestRegistry) DrainByEndpoint(addr EndpointAddr, result CompletionResult) []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.byEndpoint[addr]
	out := make([]*Request, len(src))
	copy(out, src)

	for _, req := range out {
		r.removeLocked(req)
	}
	for _, req := range out {
		req.complete(result)
	}
	return out
}

// Remove completes and removes the request registered under seqnum,
// delivering result on its Done channel. Returns the request, or nil
// if seqnum is unknown (already removed, e.g. a racing RET_UNLINK)
func (r *RequestRegistry) Remove(seqnum uint32, result CompletionResult) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.bySeq[seqnum]
	if !ok {
		return nil
	}

	r.removeLocked(req)
	req.complete(result)
	return req
}

// RemoveByUnlinkSeqnum completes and removes the request whose
// in-flight CMD_UNLINK carried unlinkSeqnum, for handling RET_UNLINK.
// Returns nil if no request is cancelling under that unlinkSeqnum
// (e.g. the RET_SUBMIT for the original request already won the race
// and removed it via Remove)
func (r *RequestRegistry) RemoveByUnlinkSeqnum(unlinkSeqnum uint32, result CompletionResult) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.byUnlink[unlinkSeqnum]
	if !ok {
		return nil
	}

	r.removeLocked(req)
	req.complete(result)
	return req
}

// removeLocked deletes req from all indices. Caller must hold r.mu
func (r *RequestRegistry) removeLocked(req *Request) {
	delete(r.bySeq, req.Seqnum)
	if req.UnlinkSeqnum != 0 {
		delete(r.byUnlink, req.UnlinkSeqnum)
	}

	eps := r.byEndpoint[req.Endpoint]
	for i, candidate := range eps {
		if candidate == req {
			r.byEndpoint[req.Endpoint] = append(eps[:i], eps[i+1:]...)
			break
		}
	}
	if len(r.byEndpoint[req.Endpoint]) == 0 {
		delete(r.byEndpoint, req.Endpoint)
	}
}

// Len returns the number of requests currently tracked
func (r *RequestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.bySeq)
}

// DrainAll completes every outstanding request with result and empties
// the registry, used when a session transitions to Draining/Closed
// (spec.md §4.5)
func (r *RequestRegistry) DrainAll(result CompletionResult) []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Request, 0, len(r.bySeq))
	for _, req := range r.bySeq {
		out = append(out, req)
	}

	r.bySeq = make(map[uint32]*Request)
	r.byEndpoint = make(map[EndpointAddr][]*Request)
	r.byUnlink = make(map[uint32]*Request)

	for _, req := range out {
		req.complete(result)
	}
	return out
}
