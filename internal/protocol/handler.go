package protocol

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/recordmesh/recordmesh/internal/records"
)

// RecordSource is the read-only view of a store the handler needs.
type RecordSource interface {
	All() []records.Record
}

// HandleRequest decides which responses a node owes for req.
//
// requester is the authenticated author of the request as reported by the
// messaging layer; every response is addressed to it. self is the identity of
// the handling node. A targeted request for another node, an empty store or a
// malformed mode all yield no responses.
func HandleRequest(req Request, requester, self peer.ID, src RecordSource) []Response {
	if err := req.Mode.Validate(); err != nil {
		log.Warnf("Ignoring request from %s: %v", requester, err)
		return nil
	}
	if requester == "" {
		log.Warnf("Ignoring %s request without a known requester", req.Mode)
		return nil
	}

	if req.Mode.Kind == ModeOne && req.Mode.Target != self {
		return nil
	}

	recs := src.All()
	if len(recs) == 0 {
		return nil
	}

	out := make([]Response, 0, len(recs))
	for _, r := range recs {
		out = append(out, Response{
			Mode:     req.Mode,
			Record:   r,
			Receiver: requester,
		})
	}
	return out
}
