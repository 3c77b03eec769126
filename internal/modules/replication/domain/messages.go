package domain

// ProtocolVersion is the replication protocol spoken by this build. Peers on
// a different version are incompatible.
const ProtocolVersion = 1

// Handshake opens replication on an authorized connection.
type Handshake struct {
	Protocol int               `json:"protocol"`
	Origin   string            `json:"origin"`
	Tips     map[string]uint64 `json:"tips"`
}

// GapFillRequest asks the peer for commands of one origin.
type GapFillRequest struct {
	Origin string  `json:"origin"`
	Ranges []Range `json:"ranges"`
}

// GapUnavailable answers the part of a GapFillRequest the responder cannot
// serve because those commands were pruned or never seen.
type GapUnavailable struct {
	Origin string  `json:"origin"`
	Ranges []Range `json:"ranges"`
}

// Ack reports the sender's contiguous tips. It is cumulative.
type Ack struct {
	Tips map[string]uint64 `json:"tips"`
}

// MissingFrom lists what local lacks relative to remote, origin by origin.
func MissingFrom(local, remote map[string]uint64) map[string]Range {
	out := map[string]Range{}
	for origin, tip := range remote {
		if have := local[origin]; tip > have {
			out[origin] = Range{From: have + 1, To: tip}
		}
	}
	return out
}
