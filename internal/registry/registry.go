package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentryline/callmesh/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

var (
	ErrCallNotFound     = errors.New("call not found")
	ErrCallEnded        = errors.New("call already ended")
	ErrCallAlreadyEnded = errors.New("call already ended by another request")
	ErrInvalidType      = errors.New("call type must be voice or video")
)

// Registry is the server-side authority for call lifecycle and membership.
// State is held in memory; call records are written through to the database
// (when one is configured) so ended calls survive restarts as history.
type Registry struct {
	mu     sync.Mutex
	calls  map[int64]*callState
	nextID int64

	db  *gorm.DB
	log *slog.Logger
}

type callState struct {
	call *models.Call

	// members is keyed by peer key; rejoin by the same identity is a no-op.
	members     map[string]models.Identity
	nextGuestID int64
}

func New(db *gorm.DB, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		calls: make(map[int64]*callState),
		db:    db,
		log:   log,
	}
}

// CreateCall opens a new call of the given type. The initiator is recorded
// once and never changes. conversationID optionally links the call to a
// conversation thread.
func (r *Registry) CreateCall(callType models.CallType, initiatorID int64, conversationID *int64, now time.Time) (*models.Call, error) {
	if !callType.Valid() {
		return nil, ErrInvalidType
	}

	joinCode, err := gonanoid.New(10)
	if err != nil {
		return nil, err
	}

	call := &models.Call{
		Type:           callType,
		Status:         models.CallStatusActive,
		JoinCode:       joinCode,
		InitiatorID:    initiatorID,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		if err := r.db.Create(call).Error; err != nil {
			return nil, err
		}
	} else {
		r.nextID++
		call.ID = r.nextID
	}

	state := &callState{
		call:    call,
		members: make(map[string]models.Identity),
	}
	state.members[models.UserIdentity(initiatorID).PeerKey()] = models.UserIdentity(initiatorID)
	r.calls[call.ID] = state

	r.log.Info("call created", "call_id", call.ID, "type", call.Type, "initiator_id", initiatorID)
	return snapshot(call), nil
}

// Join records membership. Rejoining an already-joined participant is a
// no-op, not an error.
func (r *Registry) Join(callID int64, participant models.Identity, now time.Time) (*models.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.activeCallLocked(callID)
	if err != nil {
		return nil, err
	}

	key := participant.PeerKey()
	if _, joined := state.members[key]; !joined {
		state.members[key] = participant
		state.call.UpdatedAt = now
		r.log.Info("participant joined", "call_id", callID, "peer", key)
	}

	return snapshot(state.call), nil
}

// Leave removes membership. Unknown participants and ended calls are
// tolerated: leave races teardown by design.
func (r *Registry) Leave(callID int64, participant models.Identity, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	if !ok {
		return
	}
	key := participant.PeerKey()
	if _, joined := state.members[key]; joined {
		delete(state.members, key)
		state.call.UpdatedAt = now
		r.log.Info("participant left", "call_id", callID, "peer", key)
	}
}

// End transitions the call to ended exactly once. The registry does not
// attempt to authorize the requester beyond what the HTTP layer already did.
func (r *Registry) End(callID int64, requester models.Identity, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if state.call.Status == models.CallStatusEnded {
		return ErrCallAlreadyEnded
	}

	state.call.Status = models.CallStatusEnded
	state.call.UpdatedAt = now
	ended := now
	state.call.EndedAt = &ended

	if r.db != nil {
		if err := r.db.Save(state.call).Error; err != nil {
			r.log.Error("failed to persist ended call", "call_id", callID, "error", err)
		}
	}

	r.log.Info("call ended", "call_id", callID, "by", requester.PeerKey())
	return nil
}

// Get returns the call regardless of status. Ended calls stay resolvable so
// the join page can report "this call has ended" rather than a 404.
func (r *Registry) Get(callID int64) (*models.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return snapshot(state.call), nil
}

// GetByCode resolves the shareable join code from a guest invite link.
func (r *Registry) GetByCode(joinCode string) (*models.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range r.calls {
		if state.call.JoinCode == joinCode {
			return snapshot(state.call), nil
		}
	}
	return nil, ErrCallNotFound
}

// IsActive reports whether the call is open for joining. The guest gateway
// checks this before issuing a guest identity.
func (r *Registry) IsActive(callID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	return ok && state.call.Status == models.CallStatusActive
}

// IsMember reports whether the identity has joined the call.
func (r *Registry) IsMember(callID int64, participant models.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	if !ok {
		return false
	}
	_, joined := state.members[participant.PeerKey()]
	return joined
}

// NextGuestID issues a participant id for a joining guest. Ids are unique
// within one call and never reused.
func (r *Registry) NextGuestID(callID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.activeCallLocked(callID)
	if err != nil {
		return 0, err
	}

	state.nextGuestID++
	return state.nextGuestID, nil
}

// Members returns a stable-ordered list of current participants.
func (r *Registry) Members(callID int64) []models.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[callID]
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(state.members))
	for key := range state.members {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	members := make([]models.Identity, 0, len(keys))
	for _, key := range keys {
		members = append(members, state.members[key])
	}
	return members
}

// ListActive returns open calls ordered by creation time.
func (r *Registry) ListActive() []*models.Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]*models.Call, 0, len(r.calls))
	for _, state := range r.calls {
		if state.call.Status == models.CallStatusActive {
			calls = append(calls, snapshot(state.call))
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].ID < calls[j].ID
		}
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})

	return calls
}

func (r *Registry) activeCallLocked(callID int64) (*callState, error) {
	state, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	if state.call.Status == models.CallStatusEnded {
		return nil, ErrCallEnded
	}
	return state, nil
}

func snapshot(call *models.Call) *models.Call {
	copied := *call
	return &copied
}
