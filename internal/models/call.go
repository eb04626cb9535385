package models

import "time"

// CallType selects the media profile announced to joining participants.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a call.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
)

// Call is a signaling room. The ID doubles as the relay room key. A call has
// exactly one initiator, set at creation and never changed; it transitions to
// ended exactly once.
type Call struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Type           CallType   `gorm:"type:varchar(10);not null" json:"type"`
	Status         CallStatus `gorm:"type:varchar(10);not null;index" json:"status"`
	JoinCode       string     `gorm:"type:varchar(24);uniqueIndex" json:"join_code"`
	InitiatorID    int64      `gorm:"not null" json:"initiator_id"`
	ConversationID *int64     `gorm:"index" json:"conversation_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}
