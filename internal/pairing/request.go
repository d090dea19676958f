package pairing

import (
	"peersync/go-core/pkg/models"
)

// Request tracks one inbound pairing request awaiting a user decision. It
// leaves pending at most once; later transitions report false.
type Request struct {
	rec models.PairingRequest
}

func newRequest(rec models.PairingRequest) *Request {
	rec.State = models.PairingStatePending
	return &Request{rec: rec}
}

func (r *Request) ID() string {
	return r.rec.RequestID
}

func (r *Request) State() models.PairingState {
	return r.rec.State
}

// Record returns a copy of the request.
func (r *Request) Record() models.PairingRequest {
	return models.ClonePairingRequest(r.rec)
}

func (r *Request) Approve() bool {
	return r.transition(models.PairingStateApproved)
}

func (r *Request) Reject() bool {
	return r.transition(models.PairingStateRejected)
}

func (r *Request) transition(to models.PairingState) bool {
	if r.rec.State.Terminal() {
		return false
	}
	r.rec.State = to
	return true
}
