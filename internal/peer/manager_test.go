package peer

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

type sentOffer struct {
	target string
	offer  webrtc.SessionDescription
}

type sentAnswer struct {
	target string
	answer webrtc.SessionDescription
}

// captureSender records outbound signaling instead of delivering it.
type captureSender struct {
	mu      sync.Mutex
	offers  []sentOffer
	answers []sentAnswer
}

func (s *captureSender) SendOffer(target string, offer webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, sentOffer{target: target, offer: offer})
}

func (s *captureSender) SendAnswer(target string, answer webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sentAnswer{target: target, answer: answer})
}

func (s *captureSender) SendCandidate(string, webrtc.ICECandidateInit) {}

func (s *captureSender) lastOffer(t *testing.T) sentOffer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.offers) == 0 {
		t.Fatalf("expected an offer to have been sent")
	}
	return s.offers[len(s.offers)-1]
}

func (s *captureSender) lastAnswer(t *testing.T) sentAnswer {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.answers) == 0 {
		t.Fatalf("expected an answer to have been sent")
	}
	return s.answers[len(s.answers)-1]
}

func (s *captureSender) answerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

func newTestManager(t *testing.T) (*Manager, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	m := NewManager(sender, nil, nil, nil)
	t.Cleanup(m.Teardown)
	return m, sender
}

func TestStartPendingOfferBroadcasts(t *testing.T) {
	m, sender := newTestManager(t)

	if err := m.StartPendingOffer(); err != nil {
		t.Fatalf("pending offer failed: %v", err)
	}

	sent := sender.lastOffer(t)
	if sent.target != "" {
		t.Fatalf("pending offer should be broadcast, got target %q", sent.target)
	}
	link := m.Link(PendingKey)
	if link == nil {
		t.Fatalf("expected a pending link")
	}
	if link.State() != LinkOfferSent {
		t.Fatalf("pending link state %s, want %s", link.State(), LinkOfferSent)
	}
}

func TestHandleRequestOfferTargetsRequester(t *testing.T) {
	m, sender := newTestManager(t)

	if err := m.HandleRequestOffer("user-2"); err != nil {
		t.Fatalf("request-offer handling failed: %v", err)
	}

	sent := sender.lastOffer(t)
	if sent.target != "user-2" {
		t.Fatalf("offer target %q, want user-2", sent.target)
	}
	if m.Link("user-2") == nil {
		t.Fatalf("expected a link for the requester")
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	offerer, offererSender := newTestManager(t)
	answerer, answererSender := newTestManager(t)

	if err := offerer.HandleRequestOffer("user-2"); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	offer := offererSender.lastOffer(t)

	if err := answerer.HandleRemoteOffer("user-1", offer.offer); err != nil {
		t.Fatalf("answering failed: %v", err)
	}
	answer := answererSender.lastAnswer(t)
	if answer.target != "user-1" {
		t.Fatalf("answer target %q, want user-1", answer.target)
	}
	if answerer.Link("user-1").State() != LinkAnswerSent {
		t.Fatalf("answerer state %s, want %s", answerer.Link("user-1").State(), LinkAnswerSent)
	}

	if err := offerer.HandleRemoteAnswer("user-2", answer.answer); err != nil {
		t.Fatalf("applying answer failed: %v", err)
	}
	if offerer.Link("user-2").State() != LinkAnswerReceived {
		t.Fatalf("offerer state %s, want %s", offerer.Link("user-2").State(), LinkAnswerReceived)
	}
}

func TestDuplicateOfferIsIdempotent(t *testing.T) {
	offerer, offererSender := newTestManager(t)
	answerer, answererSender := newTestManager(t)

	if err := offerer.HandleRequestOffer("user-2"); err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	offer := offererSender.lastOffer(t)

	if err := answerer.HandleRemoteOffer("user-1", offer.offer); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := answerer.HandleRemoteOffer("user-1", offer.offer); err != nil {
		t.Fatalf("duplicate delivery failed: %v", err)
	}

	if answererSender.answerCount() != 2 {
		t.Fatalf("each delivery should produce an answer, got %d", answererSender.answerCount())
	}
	if got := len(answerer.Keys()); got != 1 {
		t.Fatalf("duplicate offer must not create a second link, got %d", got)
	}
}

func TestFirstAnswerRekeysPendingLink(t *testing.T) {
	initiator, initiatorSender := newTestManager(t)
	joiner, joinerSender := newTestManager(t)

	if err := initiator.StartPendingOffer(); err != nil {
		t.Fatalf("pending offer failed: %v", err)
	}
	offer := initiatorSender.lastOffer(t)

	if err := joiner.HandleRemoteOffer("user-1", offer.offer); err != nil {
		t.Fatalf("answering failed: %v", err)
	}
	answer := joinerSender.lastAnswer(t)

	if err := initiator.HandleRemoteAnswer("user-2", answer.answer); err != nil {
		t.Fatalf("applying answer failed: %v", err)
	}

	if initiator.Link(PendingKey) != nil {
		t.Fatalf("pending link should be gone after re-keying")
	}
	rekeyed := initiator.Link("user-2")
	if rekeyed == nil {
		t.Fatalf("expected the link under the answerer's key")
	}
	if rekeyed.State() != LinkAnswerReceived {
		t.Fatalf("re-keyed link state %s, want %s", rekeyed.State(), LinkAnswerReceived)
	}
}

func TestLateAnswerWithoutLinkIsDropped(t *testing.T) {
	m, _ := newTestManager(t)

	stale := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	if err := m.HandleRemoteAnswer("user-9", stale); err != nil {
		t.Fatalf("unmatched answer must be a no-op, got %v", err)
	}
	if got := len(m.Keys()); got != 0 {
		t.Fatalf("unmatched answer must not create links, got %d", got)
	}
}

func TestMeshGrowthKeepsEarlierLinks(t *testing.T) {
	initiator, initiatorSender := newTestManager(t)
	second, secondSender := newTestManager(t)
	third, thirdSender := newTestManager(t)

	// First pair forms through the broadcast pending offer.
	if err := initiator.StartPendingOffer(); err != nil {
		t.Fatalf("pending offer failed: %v", err)
	}
	if err := second.HandleRemoteOffer("user-1", initiatorSender.lastOffer(t).offer); err != nil {
		t.Fatalf("second answering failed: %v", err)
	}
	if err := initiator.HandleRemoteAnswer("user-2", secondSender.lastAnswer(t).answer); err != nil {
		t.Fatalf("first answer failed: %v", err)
	}

	// Third participant requests offers from both existing members.
	if err := initiator.HandleRequestOffer("user-3"); err != nil {
		t.Fatalf("initiator offer to third failed: %v", err)
	}
	if err := third.HandleRemoteOffer("user-1", initiatorSender.lastOffer(t).offer); err != nil {
		t.Fatalf("third answering initiator failed: %v", err)
	}
	if err := initiator.HandleRemoteAnswer("user-3", thirdSender.lastAnswer(t).answer); err != nil {
		t.Fatalf("third's answer to initiator failed: %v", err)
	}

	if err := second.HandleRequestOffer("user-3"); err != nil {
		t.Fatalf("second offer to third failed: %v", err)
	}
	if err := third.HandleRemoteOffer("user-2", secondSender.lastOffer(t).offer); err != nil {
		t.Fatalf("third answering second failed: %v", err)
	}
	if err := second.HandleRemoteAnswer("user-3", thirdSender.lastAnswer(t).answer); err != nil {
		t.Fatalf("third's answer to second failed: %v", err)
	}

	assertKeys := func(m *Manager, want ...string) {
		t.Helper()
		got := m.Keys()
		if len(got) != len(want) {
			t.Fatalf("links %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("links %v, want %v", got, want)
			}
		}
	}
	assertKeys(initiator, "user-2", "user-3")
	assertKeys(second, "user-1", "user-3")
	assertKeys(third, "user-1", "user-2")
}

func TestCandidateWithoutLinkIsDropped(t *testing.T) {
	m, _ := newTestManager(t)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 34567 typ host"}
	if err := m.HandleRemoteCandidate("user-9", candidate); err != nil {
		t.Fatalf("unmatched candidate must be a no-op, got %v", err)
	}
	if got := len(m.Keys()); got != 0 {
		t.Fatalf("unmatched candidate must not create links, got %d", got)
	}
}

func TestEarlyCandidatesBufferedUntilAnswer(t *testing.T) {
	offerer, offererSender := newTestManager(t)
	answerer, answererSender := newTestManager(t)

	if err := offerer.HandleRequestOffer("user-2"); err != nil {
		t.Fatalf("offer failed: %v", err)
	}

	// The remote candidate races ahead of the answer.
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 34567 typ host"}
	if err := offerer.HandleRemoteCandidate("user-2", candidate); err != nil {
		t.Fatalf("buffering candidate failed: %v", err)
	}

	link := offerer.Link("user-2")
	offerer.mu.Lock()
	buffered := len(link.earlyCandidates)
	offerer.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("expected 1 buffered candidate, got %d", buffered)
	}

	if err := answerer.HandleRemoteOffer("user-1", offererSender.lastOffer(t).offer); err != nil {
		t.Fatalf("answering failed: %v", err)
	}
	if err := offerer.HandleRemoteAnswer("user-2", answererSender.lastAnswer(t).answer); err != nil {
		t.Fatalf("applying answer failed: %v", err)
	}

	offerer.mu.Lock()
	buffered = len(link.earlyCandidates)
	offerer.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("buffered candidates should flush with the answer, %d left", buffered)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.StartPendingOffer(); err != nil {
		t.Fatalf("pending offer failed: %v", err)
	}
	if err := m.HandleRequestOffer("user-2"); err != nil {
		t.Fatalf("offer failed: %v", err)
	}

	m.Teardown()
	if got := len(m.Keys()); got != 0 {
		t.Fatalf("expected no links after teardown, got %d", got)
	}
	m.Teardown()

	// A fresh link after teardown starts from idle again.
	link, err := m.GetOrCreate("user-2")
	if err != nil {
		t.Fatalf("link after teardown failed: %v", err)
	}
	if link.State() != LinkIdle {
		t.Fatalf("fresh link state %s, want %s", link.State(), LinkIdle)
	}
}

func TestDropClosesSingleLink(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.GetOrCreate("user-2"); err != nil {
		t.Fatalf("link creation failed: %v", err)
	}
	if _, err := m.GetOrCreate("user-3"); err != nil {
		t.Fatalf("link creation failed: %v", err)
	}

	m.Drop("user-2")
	m.Drop("user-9")

	keys := m.Keys()
	if len(keys) != 1 || keys[0] != "user-3" {
		t.Fatalf("links %v, want [user-3]", keys)
	}
}
