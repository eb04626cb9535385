// Package room orchestrates one participant's call session: local media,
// the relay binding, and the peer transports, glued together for the
// lifetime of a join.
package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/peer"
	"github.com/sentryline/callmesh/internal/relay"
	"github.com/sentryline/callmesh/internal/signaling"
)

// ErrMediaAccessDenied aborts a join when local capture cannot be acquired.
var ErrMediaAccessDenied = errors.New("media access denied")

// MediaSource acquires the local tracks lent to the peer transports. Acquire
// failing with ErrMediaAccessDenied aborts the session before any network
// activity.
type MediaSource interface {
	Acquire(callType models.CallType) ([]webrtc.TrackLocal, error)
	Stop()
}

// TrackSource is a MediaSource over prepared tracks, e.g. sample tracks
// built with webrtc.NewTrackLocalStaticSample fed from files or capture.
type TrackSource struct {
	Tracks []webrtc.TrackLocal
	OnStop func()
}

func (s *TrackSource) Acquire(models.CallType) ([]webrtc.TrackLocal, error) {
	return s.Tracks, nil
}

func (s *TrackSource) Stop() {
	if s.OnStop != nil {
		s.OnStop()
	}
}

// Status is the participant-session state. An initiator with no peers yet is
// waiting; everyone else stays connecting until the first remote track
// arrives.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusWaiting      Status = "waiting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusEnded        Status = "ended"
)

// Config carries everything a session needs. Self must match the identity
// the relay token was issued for; the hub stamps senders from the token, so
// a mismatched Self only breaks local filtering, never impersonates.
type Config struct {
	ServerURL string
	CallID    int64
	Token     string

	Self      models.Identity
	CallType  models.CallType
	Initiator bool

	ICEServers []webrtc.ICEServer
	Media      MediaSource

	OnTrack       peer.TrackHandler
	OnStatus      func(Status)
	OnParticipant func(relay.ParticipantJoinedData)

	Log *slog.Logger
}

type Controller struct {
	mu      sync.Mutex
	status  Status
	left    bool
	unsubs  []func()
	binding *signaling.Binding
	manager *peer.Manager
	media   MediaSource
	selfKey string

	onStatus      func(Status)
	onParticipant func(relay.ParticipantJoinedData)

	log *slog.Logger
}

// Join runs the whole mount sequence: media, relay, subscriptions, and the
// initiator's pending offer or the joiner's request-offer broadcast. On any
// failure everything already started is stopped before returning.
func Join(cfg Config) (*Controller, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	var tracks []webrtc.TrackLocal
	if cfg.Media != nil {
		var err error
		tracks, err = cfg.Media.Acquire(cfg.CallType)
		if err != nil {
			return nil, err
		}
	}

	binding, err := signaling.Dial(cfg.ServerURL, cfg.CallID, cfg.Token, log)
	if err != nil {
		if cfg.Media != nil {
			cfg.Media.Stop()
		}
		return nil, err
	}

	c := &Controller{
		status:        StatusConnecting,
		binding:       binding,
		media:         cfg.Media,
		selfKey:       cfg.Self.PeerKey(),
		onStatus:      cfg.OnStatus,
		onParticipant: cfg.OnParticipant,
		log:           log,
	}

	c.manager = peer.NewManager(&relaySender{binding: binding}, cfg.ICEServers, tracks, log)
	c.manager.OnTrack(func(peerKey string, track *webrtc.TrackRemote) {
		c.setStatus(StatusConnected)
		if cfg.OnTrack != nil {
			cfg.OnTrack(peerKey, track)
		}
	})
	c.manager.OnStatus(func(peerKey string, state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			log.Warn("peer transport lost", "peer", peerKey, "state", state.String())
		}
	})

	binding.OnStateChange(func(state signaling.State) {
		if state == signaling.StateDisconnected {
			c.setStatus(StatusDisconnected)
		}
	})

	c.subscribe()
	binding.JoinRoom()

	if cfg.Initiator {
		if err := c.manager.StartPendingOffer(); err != nil {
			c.Leave()
			return nil, err
		}
		c.setStatus(StatusWaiting)
	} else {
		c.announce(cfg.Self)
	}

	return c, nil
}

func (c *Controller) subscribe() {
	c.unsubs = []func(){
		c.binding.Subscribe(relay.TypeOffer, c.handleOffer),
		c.binding.Subscribe(relay.TypeAnswer, c.handleAnswer),
		c.binding.Subscribe(relay.TypeICE, c.handleICE),
		c.binding.Subscribe(relay.TypeRequestOffer, c.handleRequestOffer),
		c.binding.Subscribe(relay.TypeParticipantJoined, c.handleParticipantJoined),
		c.binding.Subscribe(relay.TypeLeave, c.handleLeave),
	}
}

// announce is the joiner's opening: ask the room to offer to us and tell it
// who arrived.
func (c *Controller) announce(self models.Identity) {
	c.binding.Send(relay.TypeRequestOffer, nil, nil)

	joined := relay.ParticipantJoinedData{}
	if self.Kind == models.IdentityGuest {
		joined.GuestParticipantID = self.ParticipantID
		joined.GuestDisplayName = self.DisplayName
	} else {
		joined.UserID = self.UserID
	}
	c.binding.Send(relay.TypeParticipantJoined, joined, nil)
}

// accepts filters out messages addressed to somebody else and anything
// without a stamped sender. The hub already routes targeted messages, so
// this only guards against misdelivery.
func (c *Controller) accepts(env relay.Envelope) (fromKey string, ok bool) {
	if target := env.TargetKey(); target != "" && target != c.selfKey {
		return "", false
	}
	fromKey = env.FromKey()
	if fromKey == "" || fromKey == c.selfKey {
		return "", false
	}
	return fromKey, true
}

func (c *Controller) handleOffer(env relay.Envelope) {
	fromKey, ok := c.accepts(env)
	if !ok {
		return
	}
	var data relay.OfferData
	var offer webrtc.SessionDescription
	if json.Unmarshal(env.Data, &data) != nil || json.Unmarshal(data.Offer, &offer) != nil {
		c.log.Debug("ignoring malformed offer", "from", fromKey)
		return
	}
	if err := c.manager.HandleRemoteOffer(fromKey, offer); err != nil {
		c.log.Error("failed to answer offer", "from", fromKey, "error", err)
	}
}

func (c *Controller) handleAnswer(env relay.Envelope) {
	fromKey, ok := c.accepts(env)
	if !ok {
		return
	}
	var data relay.AnswerData
	var answer webrtc.SessionDescription
	if json.Unmarshal(env.Data, &data) != nil || json.Unmarshal(data.Answer, &answer) != nil {
		c.log.Debug("ignoring malformed answer", "from", fromKey)
		return
	}
	if err := c.manager.HandleRemoteAnswer(fromKey, answer); err != nil {
		c.log.Error("failed to apply answer", "from", fromKey, "error", err)
	}
}

func (c *Controller) handleICE(env relay.Envelope) {
	fromKey, ok := c.accepts(env)
	if !ok {
		return
	}
	var data relay.ICEData
	var candidate webrtc.ICECandidateInit
	if json.Unmarshal(env.Data, &data) != nil || json.Unmarshal(data.Candidate, &candidate) != nil {
		c.log.Debug("ignoring malformed candidate", "from", fromKey)
		return
	}
	_ = c.manager.HandleRemoteCandidate(fromKey, candidate)
}

func (c *Controller) handleRequestOffer(env relay.Envelope) {
	fromKey, ok := c.accepts(env)
	if !ok {
		return
	}
	if err := c.manager.HandleRequestOffer(fromKey); err != nil {
		c.log.Error("failed to offer", "to", fromKey, "error", err)
	}
}

func (c *Controller) handleParticipantJoined(env relay.Envelope) {
	if _, ok := c.accepts(env); !ok {
		return
	}
	var data relay.ParticipantJoinedData
	if json.Unmarshal(env.Data, &data) != nil {
		return
	}
	c.mu.Lock()
	handler := c.onParticipant
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (c *Controller) handleLeave(env relay.Envelope) {
	fromKey, ok := c.accepts(env)
	if !ok {
		return
	}
	c.manager.Drop(fromKey)
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Manager exposes the peer store, mainly for inspection.
func (c *Controller) Manager() *peer.Manager {
	return c.manager
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	if c.left && status != StatusEnded {
		c.mu.Unlock()
		return
	}
	changed := c.status != status
	c.status = status
	handler := c.onStatus
	c.mu.Unlock()

	if changed && handler != nil {
		handler(status)
	}
}

// Leave tears the whole session down synchronously: leave broadcast,
// subscriptions, transports, relay connection, local media. Idempotent.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	c.binding.LeaveRoom()
	c.binding.Flush(time.Second)
	for _, unsub := range unsubs {
		unsub()
	}
	c.manager.Teardown()
	c.binding.Close()
	if c.media != nil {
		c.media.Stop()
	}
	c.setStatus(StatusEnded)
}

// relaySender adapts the relay binding to the peer manager's outbound
// signaling, translating peer keys back into relay targets.
type relaySender struct {
	binding *signaling.Binding
}

func (s *relaySender) SendOffer(targetKey string, offer webrtc.SessionDescription) {
	s.send(relay.TypeOffer, relay.OfferData{Offer: relay.MustMarshal(offer)}, targetKey)
}

func (s *relaySender) SendAnswer(targetKey string, answer webrtc.SessionDescription) {
	s.send(relay.TypeAnswer, relay.AnswerData{Answer: relay.MustMarshal(answer)}, targetKey)
}

func (s *relaySender) SendCandidate(targetKey string, candidate webrtc.ICECandidateInit) {
	s.send(relay.TypeICE, relay.ICEData{Candidate: relay.MustMarshal(candidate)}, targetKey)
}

func (s *relaySender) send(msgType relay.MessageType, data any, targetKey string) {
	var target *models.Identity
	if targetKey != "" {
		if identity, ok := models.ParsePeerKey(targetKey); ok {
			target = &identity
		}
	}
	s.binding.Send(msgType, data, target)
}
