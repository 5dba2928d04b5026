package ravi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// stubNegotiator records what the signaling channel feeds it and answers
// with a canned SDP.
type stubNegotiator struct {
	mutex      sync.Mutex
	answer     string
	acceptErr  error
	offers     []string
	committed  []string
	candidates []webrtc.ICECandidateInit
}

func (stub *stubNegotiator) AcceptRemoteOffer(sdp string) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.acceptErr != nil {
		return stub.acceptErr
	}
	stub.offers = append(stub.offers, sdp)
	return nil
}

func (stub *stubNegotiator) CreateAnswer() (string, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.answer, nil
}

func (stub *stubNegotiator) SetLocalAnswer(sdp string) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.committed = append(stub.committed, sdp)
	return nil
}

func (stub *stubNegotiator) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.candidates = append(stub.candidates, candidate)
	return nil
}

func (stub *stubNegotiator) offerCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return len(stub.offers)
}

func (stub *stubNegotiator) candidateCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return len(stub.candidates)
}

// newScriptedServer runs a websocket endpoint whose behavior is the given
// script, one invocation per connection.
func newScriptedServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			t.Errorf("upgrading signaling socket: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func waitFor(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, states <-chan SignalingState, want SignalingState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for signaling state %s", want)
		}
	}
}

// TestSignalingChannel_LoginAndOfferAnswer drives the full exchange against
// a scripted server: login handshake, offer in, stereo-forced answer out,
// candidate relay in both directions, end-of-candidates, Stable.
func TestSignalingChannel_LoginAndOfferAnswer(t *testing.T) {
	offerSDP := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\n"
	answerSDP := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\na=fmtp:111 minptime=10\r\n"

	logins := make(chan loginFrame, 1)
	answers := make(chan clientEnvelope, 1)
	relayed := make(chan clientEnvelope, 8)

	server := newScriptedServer(t, func(conn *websocket.Conn) {
		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			t.Errorf("reading login frame: %v", err)
			return
		}
		logins <- login

		offer := map[string]any{login.Request: map[string]any{
			"sdp": map[string]string{"type": "offer", "sdp": offerSDP},
		}}
		if err := conn.WriteJSON(offer); err != nil {
			t.Errorf("sending offer: %v", err)
			return
		}

		var answer clientEnvelope
		if err := conn.ReadJSON(&answer); err != nil {
			t.Errorf("reading answer: %v", err)
			return
		}
		answers <- answer

		candidate := map[string]any{login.Request: map[string]any{
			"ice": map[string]any{"candidate": "candidate:1 1 udp 2130706431 127.0.0.1 4444 typ host"},
		}}
		if err := conn.WriteJSON(candidate); err != nil {
			t.Errorf("sending candidate: %v", err)
			return
		}

		for {
			var envelope clientEnvelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			relayed <- envelope
			if envelope.ICE != nil && envelope.ICE.Candidate == "" {
				return
			}
		}
	})
	defer server.Close()

	states := make(chan SignalingState, 16)
	stub := &stubNegotiator{answer: answerSDP}
	channel := NewSignalingChannel("client-1", stub, func(state SignalingState) { states <- state }, quietLogger())

	wsURL, err := NormalizeSignalingURL(server.URL, "")
	if err != nil {
		t.Fatalf("normalizing server URL: %v", err)
	}
	if err := channel.Connect(wsURL); err != nil {
		t.Fatalf("connecting signaling channel: %v", err)
	}
	defer channel.Disconnect()

	login := receive(t, logins, "login frame")
	if login.Request != "client-1" {
		t.Errorf("login introduced %q, want client-1", login.Request)
	}

	answer := receive(t, answers, "answer envelope")
	if answer.UUID != "client-1" || answer.SDP == nil {
		t.Fatalf("answer envelope = %+v", answer)
	}
	if answer.SDP.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer type = %s, want answer", answer.SDP.Type)
	}
	if !strings.Contains(answer.SDP.SDP, "stereo=1") {
		t.Errorf("answer SDP was not stereo-forced:\n%s", answer.SDP.SDP)
	}

	waitFor(t, func() bool { return stub.offerCount() == 1 && stub.candidateCount() == 1 },
		"offer and candidate to reach the negotiator")

	if err := channel.SendCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 127.0.0.1 5555 typ host"}); err != nil {
		t.Fatalf("sending local candidate: %v", err)
	}
	if err := channel.SendEndOfCandidates(); err != nil {
		t.Fatalf("sending end of candidates: %v", err)
	}

	first := receive(t, relayed, "relayed candidate")
	if first.UUID != "client-1" || first.ICE == nil || first.ICE.Candidate == "" {
		t.Errorf("relayed candidate envelope = %+v", first)
	}
	last := receive(t, relayed, "end of candidates marker")
	if last.ICE == nil || last.ICE.Candidate != "" {
		t.Errorf("end of candidates envelope = %+v", last)
	}

	waitForState(t, states, SignalingStateStable)
}

// TestSignalingChannel_ServiceUnavailable verifies the capacity refusal
// maps to the Unavailable state and sticks there.
func TestSignalingChannel_ServiceUnavailable(t *testing.T) {
	server := newScriptedServer(t, func(conn *websocket.Conn) {
		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{login.Request: map[string]string{"error": ServiceUnavailable}})
		conn.ReadMessage()
	})
	defer server.Close()

	states := make(chan SignalingState, 16)
	channel := NewSignalingChannel("client-2", &stubNegotiator{}, func(state SignalingState) { states <- state }, quietLogger())

	wsURL, _ := NormalizeSignalingURL(server.URL, "")
	if err := channel.Connect(wsURL); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer channel.Disconnect()

	waitForState(t, states, SignalingStateUnavailable)
	if state := channel.State(); state != SignalingStateUnavailable {
		t.Errorf("state = %s, want Unavailable", state)
	}
}

// TestSignalingChannel_DropsUnroutableFrames sends a non-JSON frame, a frame
// addressed to another peer, and an empty envelope, then a real offer. The
// garbage must be dropped without ending the session.
func TestSignalingChannel_DropsUnroutableFrames(t *testing.T) {
	answers := make(chan clientEnvelope, 1)
	server := newScriptedServer(t, func(conn *websocket.Conn) {
		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			return
		}

		conn.WriteMessage(websocket.TextMessage, []byte("!!not json!!"))
		conn.WriteJSON(map[string]any{"someone-else": map[string]any{
			"sdp": map[string]string{"type": "offer", "sdp": "x"},
		}})
		conn.WriteJSON(map[string]any{login.Request: map[string]any{}})

		conn.WriteJSON(map[string]any{login.Request: map[string]any{
			"sdp": map[string]string{"type": "offer", "sdp": "a=rtpmap:111 opus/48000/2\r\n"},
		}})

		var answer clientEnvelope
		if err := conn.ReadJSON(&answer); err != nil {
			t.Errorf("reading answer after garbage frames: %v", err)
			return
		}
		answers <- answer
	})
	defer server.Close()

	states := make(chan SignalingState, 16)
	stub := &stubNegotiator{answer: "a=rtpmap:111 opus/48000/2\r\n"}
	channel := NewSignalingChannel("client-3", stub, func(state SignalingState) { states <- state }, quietLogger())

	wsURL, _ := NormalizeSignalingURL(server.URL, "")
	if err := channel.Connect(wsURL); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer channel.Disconnect()

	answer := receive(t, answers, "answer envelope")
	if answer.SDP == nil {
		t.Fatalf("no SDP in answer after garbage frames: %+v", answer)
	}
	if state := channel.State(); state == SignalingStateFailed {
		t.Error("garbage frames failed the channel")
	}
}

// TestSignalingChannel_CleanServerClose maps a normal websocket closure to
// the Closed state rather than Failed.
func TestSignalingChannel_CleanServerClose(t *testing.T) {
	server := newScriptedServer(t, func(conn *websocket.Conn) {
		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			return
		}
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteMessage(websocket.CloseMessage, message)
	})
	defer server.Close()

	states := make(chan SignalingState, 16)
	channel := NewSignalingChannel("client-4", &stubNegotiator{}, func(state SignalingState) { states <- state }, quietLogger())

	wsURL, _ := NormalizeSignalingURL(server.URL, "")
	if err := channel.Connect(wsURL); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	waitForState(t, states, SignalingStateClosed)
}

// TestSignalingChannel_LocalDisconnect verifies Disconnect settles into
// Closed from the client side.
func TestSignalingChannel_LocalDisconnect(t *testing.T) {
	server := newScriptedServer(t, func(conn *websocket.Conn) {
		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	states := make(chan SignalingState, 16)
	channel := NewSignalingChannel("client-5", &stubNegotiator{}, func(state SignalingState) { states <- state }, quietLogger())

	wsURL, _ := NormalizeSignalingURL(server.URL, "")
	if err := channel.Connect(wsURL); err != nil {
		t.Fatalf("connecting: %v", err)
	}

	waitForState(t, states, SignalingStateConnecting)
	channel.Disconnect()
	waitForState(t, states, SignalingStateClosed)
}

// TestSignalingChannel_DialFailure verifies the error return and Failed
// state when nothing is listening.
func TestSignalingChannel_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	wsURL, _ := NormalizeSignalingURL(server.URL, "")
	server.Close()

	channel := NewSignalingChannel("client-6", &stubNegotiator{}, nil, quietLogger())
	if err := channel.Connect(wsURL); err == nil {
		t.Fatal("expected a dial error")
	}
	if state := channel.State(); state != SignalingStateFailed {
		t.Errorf("state after dial failure = %s, want Failed", state)
	}
}

// TestSignalingChannel_NegotiatorFailure verifies an error from the
// transport during offer handling fails the channel.
func TestSignalingChannel_NegotiatorFailure(t *testing.T) {
	server := newScriptedServer(t, func(conn *websocket.Conn) {
		var login loginFrame
		if err := conn.ReadJSON(&login); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{login.Request: map[string]any{
			"sdp": map[string]string{"type": "offer", "sdp": "bogus"},
		}})
		conn.ReadMessage()
	})
	defer server.Close()

	states := make(chan SignalingState, 16)
	stub := &stubNegotiator{acceptErr: errors.New("offer rejected")}
	channel := NewSignalingChannel("client-7", stub, func(state SignalingState) { states <- state }, quietLogger())

	wsURL, _ := NormalizeSignalingURL(server.URL, "")
	if err := channel.Connect(wsURL); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer channel.Disconnect()

	waitForState(t, states, SignalingStateFailed)
}

// TestNormalizeSignalingURL covers the scheme mapping, trailing slash and
// token handling.
func TestNormalizeSignalingURL(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		token   string
		want    string
		wantErr bool
	}{
		{name: "bare host defaults to wss", raw: "mixer.example.com", want: "wss://mixer.example.com/"},
		{name: "http maps to ws", raw: "http://mixer.example.com:8080/signal", want: "ws://mixer.example.com:8080/signal/"},
		{name: "https maps to wss", raw: "https://mixer.example.com", want: "wss://mixer.example.com/"},
		{name: "ws kept as is", raw: "ws://127.0.0.1:9001/", want: "ws://127.0.0.1:9001/"},
		{name: "token appended", raw: "wss://mixer.example.com/signal", token: "secret", want: "wss://mixer.example.com/signal/?token=secret"},
		{name: "whitespace trimmed", raw: "  wss://mixer.example.com ", want: "wss://mixer.example.com/"},
		{name: "empty input", raw: "", wantErr: true},
		{name: "unsupported scheme", raw: "ftp://mixer.example.com", wantErr: true},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := NormalizeSignalingURL(testCase.raw, testCase.token)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("normalized to %q, want an error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizing %q: %v", testCase.raw, err)
			}
			if got != testCase.want {
				t.Errorf("normalized %q to %q, want %q", testCase.raw, got, testCase.want)
			}
		})
	}
}
