package guest

import (
	"errors"
	"testing"
	"time"

	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/registry"
)

func newTestGateway(t *testing.T) (*Gateway, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	return NewGateway(reg, "test-secret", time.Hour, nil), reg
}

func TestJoinAsGuestIssuesScopedGrant(t *testing.T) {
	gw, reg := newTestGateway(t)
	call, _ := reg.CreateCall(models.CallTypeVideo, 1, nil, time.Unix(1_700_000_000, 0))

	grant, err := gw.JoinAsGuest(call.ID, "Jane")
	if err != nil {
		t.Fatalf("join as guest failed: %v", err)
	}

	if grant.Token == "" {
		t.Fatalf("expected a token")
	}
	if grant.CallType != models.CallTypeVideo {
		t.Fatalf("expected call type video, got %s", grant.CallType)
	}
	if grant.Identity.Kind != models.IdentityGuest {
		t.Fatalf("expected guest identity, got %s", grant.Identity.Kind)
	}
	if grant.Identity.CallID != call.ID {
		t.Fatalf("identity bound to call %d, want %d", grant.Identity.CallID, call.ID)
	}
	if grant.Identity.ParticipantID == 0 {
		t.Fatalf("expected a participant id")
	}
	if !reg.IsMember(call.ID, grant.Identity) {
		t.Fatalf("guest should be a member after joining")
	}

	parsed, err := gw.Parse(grant.Token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.Equal(grant.Identity) {
		t.Fatalf("parsed identity %+v differs from granted %+v", parsed, grant.Identity)
	}
	if parsed.DisplayName != "Jane" {
		t.Fatalf("display name lost, got %q", parsed.DisplayName)
	}
}

func TestGuestParticipantIDsAreDistinct(t *testing.T) {
	gw, reg := newTestGateway(t)
	call, _ := reg.CreateCall(models.CallTypeVoice, 1, nil, time.Unix(1_700_100_000, 0))

	first, err := gw.JoinAsGuest(call.ID, "A")
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	second, err := gw.JoinAsGuest(call.ID, "B")
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if first.Identity.ParticipantID == second.Identity.ParticipantID {
		t.Fatalf("two guests share participant id %d", first.Identity.ParticipantID)
	}
}

func TestJoinAsGuestEndedCall(t *testing.T) {
	gw, reg := newTestGateway(t)
	base := time.Unix(1_700_200_000, 0)
	call, _ := reg.CreateCall(models.CallTypeVoice, 1, nil, base)
	if err := reg.End(call.ID, models.UserIdentity(1), base.Add(time.Minute)); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	_, err := gw.JoinAsGuest(call.ID, "late")
	if !errors.Is(err, registry.ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded, got %v", err)
	}
}

func TestJoinAsGuestUnknownCall(t *testing.T) {
	gw, _ := newTestGateway(t)

	_, err := gw.JoinAsGuest(4242, "ghost")
	if !errors.Is(err, registry.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestAuthorizeEnforcesCallScope(t *testing.T) {
	gw, reg := newTestGateway(t)
	base := time.Unix(1_700_300_000, 0)
	first, _ := reg.CreateCall(models.CallTypeVideo, 1, nil, base)
	second, _ := reg.CreateCall(models.CallTypeVideo, 2, nil, base.Add(time.Second))

	grant, err := gw.JoinAsGuest(first.ID, "Jane")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if _, err := gw.Authorize(grant.Token, first.ID); err != nil {
		t.Fatalf("authorize for own call failed: %v", err)
	}
	if _, err := gw.Authorize(grant.Token, second.ID); !errors.Is(err, ErrWrongCall) {
		t.Fatalf("expected ErrWrongCall, got %v", err)
	}
}

func TestParseRejectsForgedToken(t *testing.T) {
	gw, reg := newTestGateway(t)
	call, _ := reg.CreateCall(models.CallTypeVoice, 1, nil, time.Unix(1_700_400_000, 0))

	grant, err := gw.JoinAsGuest(call.ID, "Jane")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	other := NewGateway(reg, "another-secret", time.Hour, nil)
	if _, err := other.Parse(grant.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	if _, err := gw.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	gw, reg := newTestGateway(t)
	call, _ := reg.CreateCall(models.CallTypeVoice, 1, nil, time.Unix(1_700_500_000, 0))

	gw.nowFn = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	grant, err := gw.JoinAsGuest(call.ID, "Jane")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if _, err := gw.Parse(grant.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestLeaveRemovesMembership(t *testing.T) {
	gw, reg := newTestGateway(t)
	call, _ := reg.CreateCall(models.CallTypeVoice, 1, nil, time.Unix(1_700_600_000, 0))

	grant, err := gw.JoinAsGuest(call.ID, "Jane")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := gw.Leave(call.ID, grant.Token); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if reg.IsMember(call.ID, grant.Identity) {
		t.Fatalf("guest should no longer be a member")
	}
}

func TestCleanDisplayName(t *testing.T) {
	if got := cleanDisplayName("   "); got != "Guest" {
		t.Fatalf("blank name should default, got %q", got)
	}
	long := make([]rune, 100)
	for i := range long {
		long[i] = 'x'
	}
	if got := cleanDisplayName(string(long)); len([]rune(got)) != 64 {
		t.Fatalf("expected 64-rune cap, got %d", len([]rune(got)))
	}
}
