package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentryline/callmesh/internal/models"
	"github.com/sentryline/callmesh/internal/relay"
)

// relayStub is a minimal relay endpoint: it records the handshake query,
// exposes the accepted connection, and hands inbound envelopes to the test.
type relayStub struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	conns     chan *websocket.Conn
	inbound   chan relay.Envelope
	handshake chan map[string]string
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()
	stub := &relayStub{
		t:         t,
		conns:     make(chan *websocket.Conn, 4),
		inbound:   make(chan relay.Envelope, 16),
		handshake: make(chan map[string]string, 4),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.handshake <- map[string]string{
			"call_id": r.URL.Query().Get("call_id"),
			"token":   r.URL.Query().Get("token"),
		}
		conn, err := stub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.conns <- conn
		go func() {
			for {
				var env relay.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				stub.inbound <- env
			}
		}()
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *relayStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/ws"
}

func (s *relayStub) acceptedConn() *websocket.Conn {
	s.t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		s.t.Fatalf("no relay connection accepted")
		return nil
	}
}

func (s *relayStub) nextInbound() relay.Envelope {
	s.t.Helper()
	select {
	case env := <-s.inbound:
		return env
	case <-time.After(2 * time.Second):
		s.t.Fatalf("no envelope received by relay")
		return relay.Envelope{}
	}
}

func dialStub(t *testing.T, stub *relayStub, callID int64, token string) *Binding {
	t.Helper()
	b, err := Dial(stub.wsURL(), callID, token, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestDialPassesCallAndToken(t *testing.T) {
	stub := newRelayStub(t)

	b := dialStub(t, stub, 42, "guest-token")
	if b.State() != StateConnected {
		t.Fatalf("state %s, want connected", b.State())
	}

	select {
	case q := <-stub.handshake:
		if q["call_id"] != "42" {
			t.Fatalf("call_id %q, want 42", q["call_id"])
		}
		if q["token"] != "guest-token" {
			t.Fatalf("token %q, want guest-token", q["token"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no handshake observed")
	}
}

func TestSubscribeReceivesMatchingEnvelopes(t *testing.T) {
	stub := newRelayStub(t)
	b := dialStub(t, stub, 1, "tok")
	conn := stub.acceptedConn()

	received := make(chan relay.Envelope, 4)
	b.Subscribe(relay.TypeOffer, func(env relay.Envelope) {
		received <- env
	})

	if err := conn.WriteJSON(relay.Envelope{Type: relay.TypeOffer, CallID: 1, FromUserID: 2}); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	if err := conn.WriteJSON(relay.Envelope{Type: relay.TypeICE, CallID: 1, FromUserID: 2}); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case env := <-received:
		if env.FromKey() != "user-2" {
			t.Fatalf("sender %q, want user-2", env.FromKey())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribed handler never fired")
	}

	select {
	case env := <-received:
		t.Fatalf("handler got non-matching envelope %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	stub := newRelayStub(t)
	b := dialStub(t, stub, 1, "tok")
	conn := stub.acceptedConn()

	received := make(chan relay.Envelope, 4)
	unsubscribe := b.Subscribe(relay.TypeAnswer, func(env relay.Envelope) {
		received <- env
	})
	unsubscribe()

	if err := conn.WriteJSON(relay.Envelope{Type: relay.TypeAnswer, CallID: 1, FromUserID: 2}); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case <-received:
		t.Fatalf("unsubscribed handler fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendCarriesCallIDAndTarget(t *testing.T) {
	stub := newRelayStub(t)
	b := dialStub(t, stub, 7, "tok")
	stub.acceptedConn()

	target := models.UserIdentity(3)
	b.Send(relay.TypeICE, relay.ICEData{Candidate: []byte(`"c"`)}, &target)

	env := stub.nextInbound()
	if env.Type != relay.TypeICE {
		t.Fatalf("type %s, want %s", env.Type, relay.TypeICE)
	}
	if env.CallID != 7 {
		t.Fatalf("call id %d, want 7", env.CallID)
	}
	if env.TargetKey() != "user-3" {
		t.Fatalf("target %q, want user-3", env.TargetKey())
	}
}

func TestJoinAndLeaveRoomBroadcast(t *testing.T) {
	stub := newRelayStub(t)
	b := dialStub(t, stub, 1, "tok")
	stub.acceptedConn()

	b.JoinRoom()
	if env := stub.nextInbound(); env.Type != relay.TypeJoin {
		t.Fatalf("type %s, want %s", env.Type, relay.TypeJoin)
	}

	b.LeaveRoom()
	if env := stub.nextInbound(); env.Type != relay.TypeLeave {
		t.Fatalf("type %s, want %s", env.Type, relay.TypeLeave)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	stub := newRelayStub(t)
	b := dialStub(t, stub, 1, "tok")
	stub.acceptedConn()

	b.Close()
	b.Close()
}

func TestDialFailsWhenRelayUnreachable(t *testing.T) {
	if _, err := Dial("ws://127.0.0.1:1/api/ws", 1, "tok", nil); err == nil {
		t.Fatalf("expected dial error for unreachable relay")
	}
}
