package guest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/registry"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenSubject       = "guest"
	maxDisplayNameRune = 64
)

var (
	ErrInvalidToken = errors.New("invalid guest token")
	ErrWrongCall    = errors.New("guest token is scoped to a different call")
)

// Claims carried by a guest token. The token authorizes exactly one
// participant in exactly one call and nothing else — no HTTP resource, no
// other call.
type Claims struct {
	CallID        int64  `json:"call_id"`
	ParticipantID int64  `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	jwt.RegisteredClaims
}

// Grant is what a guest receives in exchange for a display name.
type Grant struct {
	Token    string
	Identity models.Identity
	CallType models.CallType
}

// Gateway issues short-lived guest identities for a single call via the
// unauthenticated join endpoint.
type Gateway struct {
	registry *registry.Registry
	secret   []byte
	tokenTTL time.Duration
	nowFn    func() time.Time
	log      *slog.Logger
}

func NewGateway(reg *registry.Registry, secret string, tokenTTL time.Duration, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		registry: reg,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		nowFn:    time.Now,
		log:      log,
	}
}

// JoinAsGuest checks the call is still open, issues a guest identity and
// records membership. The display name is a label shown to peers; duplicates
// are allowed and nothing is derived from it.
func (g *Gateway) JoinAsGuest(callID int64, displayName string) (*Grant, error) {
	call, err := g.registry.Get(callID)
	if err != nil {
		return nil, err
	}
	if call.Status == models.CallStatusEnded {
		return nil, registry.ErrCallEnded
	}

	participantID, err := g.registry.NextGuestID(callID)
	if err != nil {
		return nil, err
	}

	identity := models.GuestIdentity(callID, participantID, cleanDisplayName(displayName))
	if _, err := g.registry.Join(callID, identity, g.nowFn()); err != nil {
		return nil, err
	}

	token, err := g.signToken(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to sign guest token: %w", err)
	}

	g.log.Info("guest joined", "call_id", callID, "participant_id", participantID)
	return &Grant{Token: token, Identity: identity, CallType: call.Type}, nil
}

// Leave drops a guest's membership. The token is re-validated so a guest can
// only remove itself from its own call.
func (g *Gateway) Leave(callID int64, token string) error {
	identity, err := g.Authorize(token, callID)
	if err != nil {
		return err
	}
	g.registry.Leave(callID, identity, g.nowFn())
	return nil
}

// Parse validates a guest token and reconstructs the guest identity.
func (g *Gateway) Parse(token string) (models.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	if claims.Subject != tokenSubject || claims.CallID == 0 || claims.ParticipantID == 0 {
		return models.Identity{}, ErrInvalidToken
	}
	return models.GuestIdentity(claims.CallID, claims.ParticipantID, claims.DisplayName), nil
}

// Authorize validates the token and enforces its call scope.
func (g *Gateway) Authorize(token string, callID int64) (models.Identity, error) {
	identity, err := g.Parse(token)
	if err != nil {
		return models.Identity{}, err
	}
	if identity.CallID != callID {
		return models.Identity{}, ErrWrongCall
	}
	return identity, nil
}

func (g *Gateway) signToken(identity models.Identity) (string, error) {
	now := g.nowFn()
	claims := Claims{
		CallID:        identity.CallID,
		ParticipantID: identity.ParticipantID,
		DisplayName:   identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}

func cleanDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Guest"
	}
	if utf8.RuneCountInString(name) > maxDisplayNameRune {
		runes := []rune(name)
		name = string(runes[:maxDisplayNameRune])
	}
	return name
}
