package peer

import (
	"github.com/pion/webrtc/v4"
)

// PendingKey is the sentinel under which the initiator's first, not yet
// targeted link lives until an answer identifies the remote side.
const PendingKey = "pending"

// LinkState tracks where a link is in the offer/answer exchange. The
// transport-level connection state is observed separately.
type LinkState string

const (
	LinkIdle           LinkState = "idle"
	LinkOfferSent      LinkState = "offer-sent"
	LinkOfferReceived  LinkState = "offer-received"
	LinkAnswerSent     LinkState = "answer-sent"
	LinkAnswerReceived LinkState = "answer-received"
	LinkConnected      LinkState = "connected"
)

// Link is one live peer transport to one remote participant. At most one
// link exists per remote key; a pending link may be re-keyed once.
type Link struct {
	key   string
	pc    *webrtc.PeerConnection
	state LinkState

	// lastRemoteOffer detects duplicate offers so re-delivery answers
	// again without touching the transport.
	lastRemoteOffer string

	// earlyCandidates buffers ICE that outran the remote description.
	earlyCandidates []webrtc.ICECandidateInit
}

// State returns the signaling state of the link.
func (l *Link) State() LinkState {
	return l.state
}
