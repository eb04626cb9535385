package models

import "fmt"

// IdentityKind tags the two kinds of call participants.
type IdentityKind string

const (
	IdentityUser  IdentityKind = "user"
	IdentityGuest IdentityKind = "guest"
)

// Identity names one participant for the duration of one call membership.
// Authenticated users are identified by their account id; guests by a
// per-call participant id issued at join time. Identities compare by
// kind+id only — DisplayName is a label with no uniqueness guarantee.
type Identity struct {
	Kind IdentityKind `json:"kind"`

	// UserID is set when Kind is IdentityUser.
	UserID int64 `json:"user_id,omitempty"`

	// CallID and ParticipantID are set when Kind is IdentityGuest. The
	// guest identity is valid for that call only.
	CallID        int64  `json:"call_id,omitempty"`
	ParticipantID int64  `json:"participant_id,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
}

func UserIdentity(userID int64) Identity {
	return Identity{Kind: IdentityUser, UserID: userID}
}

func GuestIdentity(callID, participantID int64, displayName string) Identity {
	return Identity{
		Kind:          IdentityGuest,
		CallID:        callID,
		ParticipantID: participantID,
		DisplayName:   displayName,
	}
}

// PeerKey deterministically encodes the identity for keying peer links and
// relay clients: "user-{id}" or "guest-{participantId}".
func (i Identity) PeerKey() string {
	if i.Kind == IdentityGuest {
		return fmt.Sprintf("guest-%d", i.ParticipantID)
	}
	return fmt.Sprintf("user-%d", i.UserID)
}

// ParsePeerKey decodes "user-{id}" / "guest-{id}" back into an identity.
// Guest identities parsed from a key carry no call id or display name; they
// are only good for addressing.
func ParsePeerKey(key string) (Identity, bool) {
	var id int64
	if _, err := fmt.Sscanf(key, "user-%d", &id); err == nil && id > 0 {
		return UserIdentity(id), true
	}
	if _, err := fmt.Sscanf(key, "guest-%d", &id); err == nil && id > 0 {
		return Identity{Kind: IdentityGuest, ParticipantID: id}, true
	}
	return Identity{}, false
}

// Equal compares by kind and id, never by display name.
func (i Identity) Equal(other Identity) bool {
	if i.Kind != other.Kind {
		return false
	}
	if i.Kind == IdentityGuest {
		return i.ParticipantID == other.ParticipantID
	}
	return i.UserID == other.UserID
}
