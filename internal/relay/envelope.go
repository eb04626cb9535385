package relay

import (
	"encoding/json"

	"github.com/sentryline/callmesh/internal/models"
)

// MessageType enumerates the call-control and signaling events carried over
// the relay. Keep values stable: clients match on them.
type MessageType string

const (
	TypeJoin              MessageType = "call:join"
	TypeLeave             MessageType = "call:leave"
	TypeRequestOffer      MessageType = "call:request-offer"
	TypeParticipantJoined MessageType = "call:participant-joined"
	TypeOffer             MessageType = "call:offer"
	TypeAnswer            MessageType = "call:answer"
	TypeICE               MessageType = "call:ice"
)

// Envelope is one relay message. From fields are stamped by the hub from the
// authenticated connection; anything a client puts there is overwritten. A
// message with a To field is delivered only to the matching participant,
// otherwise it is broadcast to every room member except the sender.
type Envelope struct {
	Type   MessageType `json:"type"`
	CallID int64       `json:"call_id"`

	FromUserID             int64 `json:"from_user_id,omitempty"`
	FromGuestParticipantID int64 `json:"from_guest_participant_id,omitempty"`

	ToUserID             int64 `json:"to_user_id,omitempty"`
	ToGuestParticipantID int64 `json:"to_guest_participant_id,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// StampFrom overwrites the sender fields with the connection's identity.
func (e *Envelope) StampFrom(identity models.Identity) {
	e.FromUserID = 0
	e.FromGuestParticipantID = 0
	if identity.Kind == models.IdentityGuest {
		e.FromGuestParticipantID = identity.ParticipantID
	} else {
		e.FromUserID = identity.UserID
	}
}

// FromKey returns the sender's peer key, or "" when unstamped.
func (e Envelope) FromKey() string {
	switch {
	case e.FromGuestParticipantID != 0:
		return models.GuestIdentity(e.CallID, e.FromGuestParticipantID, "").PeerKey()
	case e.FromUserID != 0:
		return models.UserIdentity(e.FromUserID).PeerKey()
	default:
		return ""
	}
}

// TargetKey returns the addressed peer key, or "" for a broadcast.
func (e Envelope) TargetKey() string {
	switch {
	case e.ToGuestParticipantID != 0:
		return models.GuestIdentity(e.CallID, e.ToGuestParticipantID, "").PeerKey()
	case e.ToUserID != 0:
		return models.UserIdentity(e.ToUserID).PeerKey()
	default:
		return ""
	}
}

// Target sets the To fields for the given peer key encoding.
func (e *Envelope) Target(identity models.Identity) {
	e.ToUserID = 0
	e.ToGuestParticipantID = 0
	if identity.Kind == models.IdentityGuest {
		e.ToGuestParticipantID = identity.ParticipantID
	} else {
		e.ToUserID = identity.UserID
	}
}

// OfferData / AnswerData / ICEData wrap the browser-level session
// descriptions and candidates. The relay treats them as opaque.
type OfferData struct {
	Offer json.RawMessage `json:"offer"`
}

type AnswerData struct {
	Answer json.RawMessage `json:"answer"`
}

type ICEData struct {
	Candidate json.RawMessage `json:"candidate"`
}

// ParticipantJoinedData announces a new room member.
type ParticipantJoinedData struct {
	UserID             int64  `json:"user_id,omitempty"`
	GuestParticipantID int64  `json:"guest_participant_id,omitempty"`
	GuestDisplayName   string `json:"guest_display_name,omitempty"`
}

func MustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
