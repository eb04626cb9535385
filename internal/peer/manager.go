// Package peer owns the per-call collection of peer transports: one link per
// remote participant, driven through the offer/answer/ICE exchange by relay
// events and local intent. Mesh formation rule: whichever side receives a
// request-offer creates the offer, and whichever side receives an offer
// answers it — so exactly one side of a pair ever originates, and glare
// cannot arise in the normal flow.
package peer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Sender forwards signaling messages to the relay. An empty target key means
// broadcast, used only for the initiator's pending offer and its candidates.
type Sender interface {
	SendOffer(targetKey string, offer webrtc.SessionDescription)
	SendAnswer(targetKey string, answer webrtc.SessionDescription)
	SendCandidate(targetKey string, candidate webrtc.ICECandidateInit)
}

// TrackHandler surfaces a remote track as (peerKey, track). The key reported
// is the link's key at the time the track arrives, so a re-keyed pending
// link surfaces under its concrete peer.
type TrackHandler func(peerKey string, track *webrtc.TrackRemote)

// StatusHandler observes transport-level connection state changes. A failed
// or disconnected transport is reported, not renegotiated.
type StatusHandler func(peerKey string, state webrtc.PeerConnectionState)

type Manager struct {
	mu    sync.Mutex
	links map[string]*Link

	sender      Sender
	iceServers  []webrtc.ICEServer
	localTracks []webrtc.TrackLocal

	onTrack  TrackHandler
	onStatus StatusHandler

	log *slog.Logger
}

func NewManager(sender Sender, iceServers []webrtc.ICEServer, localTracks []webrtc.TrackLocal, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		links:       make(map[string]*Link),
		sender:      sender,
		iceServers:  iceServers,
		localTracks: localTracks,
		log:         log,
	}
}

// OnTrack registers the remote-track observer. Must be set before links are
// created.
func (m *Manager) OnTrack(fn TrackHandler) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

// OnStatus registers the transport-state observer.
func (m *Manager) OnStatus(fn StatusHandler) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// GetOrCreate returns the live link for a peer key, creating the transport
// on first use. The local tracks are lent to the transport; the manager
// never stops them.
func (m *Manager) GetOrCreate(peerKey string) (*Link, error) {
	m.mu.Lock()
	if link, ok := m.links[peerKey]; ok {
		m.mu.Unlock()
		return link, nil
	}
	m.mu.Unlock()

	pc, err := m.newTransport()
	if err != nil {
		return nil, err
	}

	link := &Link{key: peerKey, pc: pc, state: LinkIdle}
	m.wireCallbacks(link)

	m.mu.Lock()
	if existing, ok := m.links[peerKey]; ok {
		// Lost the race; keep the first transport.
		m.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	m.links[peerKey] = link
	m.mu.Unlock()

	return link, nil
}

func (m *Manager) newTransport() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer transport: %w", err)
	}

	for _, track := range m.localTracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to attach local track: %w", err)
		}
	}
	if len(m.localTracks) == 0 {
		// Receive-only participant still needs a media section to offer.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	return pc, nil
}

func (m *Manager) wireCallbacks(link *Link) {
	link.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sender.SendCandidate(m.targetKey(link), c.ToJSON())
	})

	link.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		handler := m.onTrack
		key := link.key
		m.mu.Unlock()
		if handler != nil {
			handler(key, track)
		}
	})

	link.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.mu.Lock()
		if state == webrtc.PeerConnectionStateConnected {
			link.state = LinkConnected
		}
		handler := m.onStatus
		key := link.key
		m.mu.Unlock()
		if handler != nil {
			handler(key, state)
		}
	})
}

// targetKey resolves where a link's outbound signaling goes: the concrete
// peer, or broadcast while the link is still pending.
func (m *Manager) targetKey(link *Link) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link.key == PendingKey {
		return ""
	}
	return link.key
}

// StartPendingOffer is the initiator's opening move: a link under the
// pending sentinel and an untargeted offer any room member may answer.
func (m *Manager) StartPendingOffer() error {
	return m.offer(PendingKey, "")
}

// HandleRequestOffer answers a freshly joined participant that has no offer
// yet by offering to it directly.
func (m *Manager) HandleRequestOffer(fromKey string) error {
	return m.offer(fromKey, fromKey)
}

func (m *Manager) offer(linkKey, targetKey string) error {
	link, err := m.GetOrCreate(linkKey)
	if err != nil {
		return err
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}

	m.mu.Lock()
	link.state = LinkOfferSent
	m.mu.Unlock()

	m.sender.SendOffer(targetKey, offer)
	return nil
}

// HandleRemoteOffer answers an inbound offer. Duplicate delivery of the same
// offer re-sends the previous answer without touching the transport; a new
// offer on an existing link renegotiates in place and never creates a second
// transport for the same peer.
func (m *Manager) HandleRemoteOffer(fromKey string, offer webrtc.SessionDescription) error {
	link, err := m.GetOrCreate(fromKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	duplicate := link.lastRemoteOffer == offer.SDP && link.pc.LocalDescription() != nil
	m.mu.Unlock()
	if duplicate {
		m.sender.SendAnswer(fromKey, *link.pc.LocalDescription())
		return nil
	}

	if err := link.pc.SetRemoteDescription(offer); err != nil {
		m.log.Debug("dropping stale offer", "peer", fromKey, "error", err)
		return nil
	}

	m.mu.Lock()
	link.state = LinkOfferReceived
	link.lastRemoteOffer = offer.SDP
	m.mu.Unlock()

	m.flushEarlyCandidates(link, fromKey)

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}

	m.mu.Lock()
	link.state = LinkAnswerSent
	m.mu.Unlock()

	m.sender.SendAnswer(fromKey, answer)
	return nil
}

// HandleRemoteAnswer applies an inbound answer. When no link exists for the
// sender but a pending link does, the pending link is re-keyed to the sender
// in one step — the first answerer becomes that link's peer. Anything else
// unmatched is stale or misrouted and dropped silently.
func (m *Manager) HandleRemoteAnswer(fromKey string, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	link, ok := m.links[fromKey]
	if !ok {
		if pending, hasPending := m.links[PendingKey]; hasPending {
			delete(m.links, PendingKey)
			pending.key = fromKey
			m.links[fromKey] = pending
			link = pending
		} else {
			m.mu.Unlock()
			m.log.Debug("dropping unmatched answer", "peer", fromKey)
			return nil
		}
	}
	m.mu.Unlock()

	if link.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		// Duplicate or late answer; the exchange already completed.
		m.log.Debug("dropping answer in wrong state", "peer", fromKey, "state", link.pc.SignalingState())
		return nil
	}

	if err := link.pc.SetRemoteDescription(answer); err != nil {
		m.log.Debug("dropping unusable answer", "peer", fromKey, "error", err)
		return nil
	}

	m.mu.Lock()
	link.state = LinkAnswerReceived
	m.mu.Unlock()

	m.flushEarlyCandidates(link, fromKey)
	return nil
}

// HandleRemoteCandidate adds an inbound ICE candidate to the matching link
// (or the pending link). Candidates that race ahead of the remote
// description are buffered on the link; candidates with no link at all are
// dropped — expected to be rare but never fatal.
func (m *Manager) HandleRemoteCandidate(fromKey string, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	link, ok := m.links[fromKey]
	if !ok {
		link, ok = m.links[PendingKey]
	}
	if !ok {
		m.mu.Unlock()
		m.log.Debug("dropping candidate with no link", "peer", fromKey)
		return nil
	}

	if link.pc.RemoteDescription() == nil {
		link.earlyCandidates = append(link.earlyCandidates, candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := link.pc.AddICECandidate(candidate); err != nil {
		m.log.Debug("failed to add candidate", "peer", fromKey, "error", err)
	}
	return nil
}

func (m *Manager) flushEarlyCandidates(link *Link, key string) {
	m.mu.Lock()
	buffered := link.earlyCandidates
	link.earlyCandidates = nil
	m.mu.Unlock()

	for _, candidate := range buffered {
		if err := link.pc.AddICECandidate(candidate); err != nil {
			m.log.Debug("failed to add buffered candidate", "peer", key, "error", err)
		}
	}
}

// Drop closes and removes a single link, used when a remote participant
// leaves the room. No-op when no such link exists.
func (m *Manager) Drop(peerKey string) {
	m.mu.Lock()
	link, ok := m.links[peerKey]
	if ok {
		delete(m.links, peerKey)
	}
	m.mu.Unlock()

	if ok {
		if err := link.pc.Close(); err != nil {
			m.log.Debug("error closing transport", "peer", peerKey, "error", err)
		}
	}
}

// Link returns the live link for a key, or nil.
func (m *Manager) Link(peerKey string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerKey]
}

// Keys lists live links in stable order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.links))
	for key := range m.links {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Teardown closes every transport and clears the store. Safe to call
// multiple times and from any state. Local tracks are lent, not owned, so
// they are left running for the controller to stop.
func (m *Manager) Teardown() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	for key, link := range links {
		if err := link.pc.Close(); err != nil {
			m.log.Debug("error closing transport", "peer", key, "error", err)
		}
	}
}
