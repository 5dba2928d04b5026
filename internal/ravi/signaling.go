package ravi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// ServiceUnavailable is the error string the signaling server sends when it
// refuses a session for capacity reasons.
const ServiceUnavailable = "service-unavailable"

// SignalingState tracks the signaling channel through its lifecycle.
type SignalingState int

const (
	SignalingStateNew SignalingState = iota
	SignalingStateOpening
	SignalingStateConnecting
	SignalingStateSignaling
	SignalingStateStable
	SignalingStateFailed
	SignalingStateClosed
	SignalingStateUnavailable
)

func (state SignalingState) String() string {
	switch state {
	case SignalingStateNew:
		return "New"
	case SignalingStateOpening:
		return "Opening"
	case SignalingStateConnecting:
		return "Connecting"
	case SignalingStateSignaling:
		return "Signaling"
	case SignalingStateStable:
		return "Stable"
	case SignalingStateFailed:
		return "Failed"
	case SignalingStateClosed:
		return "Closed"
	case SignalingStateUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("SignalingState(%d)", int(state))
	}
}

func (state SignalingState) terminal() bool {
	return state == SignalingStateFailed ||
		state == SignalingStateClosed ||
		state == SignalingStateUnavailable
}

// negotiator is the slice of the peer transport the signaling channel
// drives while relaying the SDP/ICE exchange.
type negotiator interface {
	AcceptRemoteOffer(sdp string) error
	CreateAnswer() (string, error)
	SetLocalAnswer(sdp string) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
}

// loginFrame introduces the client to the signaling server. Everything the
// server sends afterwards is addressed by this id.
type loginFrame struct {
	Request string `json:"request"`
}

// clientEnvelope is one client-to-server frame: the local peer id plus
// either an SDP answer or an ICE candidate.
type clientEnvelope struct {
	UUID string                     `json:"uuid"`
	SDP  *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE  *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

var signalingDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

// SignalingChannel relays SDP and ICE envelopes between the mixing service
// and the peer transport over a websocket.
//
// The channel is deliberately dumb: it performs the login handshake, routes
// envelopes, and reports state. It never retries anything itself; recovery
// belongs to the communicator.
//
// Dataflow during connection setup:
//
//	client                    signaling server
//	  | --- {"request": id} ---->  |
//	  | <-- {id: {"sdp": offer}} - |
//	  | --- {"uuid", "sdp"} ---->  |   (stereo-forced answer)
//	  | <-- {id: {"ice": cand}} -- |   (repeated)
//	  | --- {"uuid", "ice"} ---->  |   (repeated, empty = done)
type SignalingChannel struct {
	logger *slog.Logger

	localPeerID string
	negotiator  negotiator

	onStateChange func(state SignalingState)

	writeMutex sync.Mutex

	mutex      sync.Mutex
	state      SignalingState
	conn       *websocket.Conn
	localClose bool
}

// NewSignalingChannel builds a channel that introduces itself as
// localPeerID and feeds SDP/ICE traffic into the given negotiator.
// onStateChange fires on the channel's internal goroutines.
func NewSignalingChannel(
	localPeerID string,
	negotiator negotiator,
	onStateChange func(state SignalingState),
	logger *slog.Logger,
) *SignalingChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingChannel{
		logger:        logger,
		localPeerID:   localPeerID,
		negotiator:    negotiator,
		onStateChange: onStateChange,
		state:         SignalingStateNew,
	}
}

// State returns the current signaling state.
func (channel *SignalingChannel) State() SignalingState {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return channel.state
}

// Connect dials the signaling server and performs the login handshake. The
// remainder of the exchange is asynchronous: a read pump goroutine relays
// envelopes into the negotiator and progress surfaces through the state
// callback.
func (channel *SignalingChannel) Connect(rawURL string) error {
	channel.mutex.Lock()
	if channel.state != SignalingStateNew && channel.state != SignalingStateClosed {
		state := channel.state
		channel.mutex.Unlock()
		return fmt.Errorf("signaling channel is %s, cannot connect", state)
	}
	channel.state = SignalingStateOpening
	channel.localClose = false
	callback := channel.onStateChange
	channel.mutex.Unlock()
	if callback != nil {
		callback(SignalingStateOpening)
	}

	conn, _, err := signalingDialer.Dial(rawURL, nil)
	if err != nil {
		channel.transition(SignalingStateFailed)
		return fmt.Errorf("dialing signaling server: %w", err)
	}

	channel.mutex.Lock()
	if channel.state != SignalingStateOpening {
		state := channel.state
		channel.mutex.Unlock()
		conn.Close()
		return fmt.Errorf("signaling channel moved to %s during dial", state)
	}
	channel.conn = conn
	channel.mutex.Unlock()

	if err := channel.writeJSON(loginFrame{Request: channel.localPeerID}); err != nil {
		conn.Close()
		channel.transition(SignalingStateFailed)
		return fmt.Errorf("sending login frame: %w", err)
	}

	channel.transition(SignalingStateConnecting)
	go channel.readPump(conn)
	return nil
}

// Disconnect closes the socket. The read pump observes the closure and
// settles the channel into Closed, unless a failure state already holds.
func (channel *SignalingChannel) Disconnect() {
	channel.mutex.Lock()
	conn := channel.conn
	channel.conn = nil
	channel.localClose = true
	channel.mutex.Unlock()

	if conn == nil {
		channel.transition(SignalingStateClosed)
		return
	}

	// Best-effort close handshake before dropping the socket.
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	channel.writeMutex.Lock()
	conn.WriteControl(websocket.CloseMessage, message, deadline)
	channel.writeMutex.Unlock()
	conn.Close()
}

// SendCandidate relays one locally gathered ICE candidate to the service.
func (channel *SignalingChannel) SendCandidate(candidate webrtc.ICECandidateInit) error {
	err := channel.writeJSON(clientEnvelope{UUID: channel.localPeerID, ICE: &candidate})
	if err != nil {
		channel.transition(SignalingStateFailed)
		return fmt.Errorf("sending candidate: %w", err)
	}
	return nil
}

// SendEndOfCandidates tells the service local ICE gathering has finished,
// using the protocol's empty-candidate convention. On success the channel
// settles into Stable.
func (channel *SignalingChannel) SendEndOfCandidates() error {
	err := channel.writeJSON(clientEnvelope{
		UUID: channel.localPeerID,
		ICE:  &webrtc.ICECandidateInit{Candidate: ""},
	})
	if err != nil {
		channel.transition(SignalingStateFailed)
		return fmt.Errorf("sending end of candidates: %w", err)
	}
	channel.transition(SignalingStateStable, SignalingStateSignaling)
	return nil
}

// --------------------------------------------------------------------------------
// Read pump and envelope handling

func (channel *SignalingChannel) readPump(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if channel.closedLocally() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				channel.transition(SignalingStateClosed)
			} else {
				channel.logger.Debug("signaling socket read failed", "err", err)
				channel.transition(SignalingStateFailed)
			}
			return
		}
		channel.handleFrame(payload)
	}
}

func (channel *SignalingChannel) handleFrame(payload []byte) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		channel.logger.Debug("dropping non-JSON signaling frame", "err", err)
		return
	}

	inner, addressed := wrapper[channel.localPeerID]
	if !addressed {
		channel.logger.Debug("dropping signaling frame addressed to another peer")
		return
	}

	var envelope struct {
		Error string                     `json:"error"`
		SDP   *webrtc.SessionDescription `json:"sdp"`
		ICE   *webrtc.ICECandidateInit   `json:"ice"`
	}
	if err := json.Unmarshal(inner, &envelope); err != nil {
		channel.logger.Debug("dropping malformed signaling envelope", "err", err)
		return
	}

	switch {
	case envelope.Error != "":
		channel.logger.Info("signaling server refused the session", "reason", envelope.Error)
		if envelope.Error == ServiceUnavailable {
			channel.transition(SignalingStateUnavailable)
		} else {
			channel.transition(SignalingStateFailed)
		}

	case envelope.SDP != nil:
		channel.transition(SignalingStateSignaling, SignalingStateConnecting)
		channel.handleRemoteOffer(envelope.SDP)

	case envelope.ICE != nil:
		channel.transition(SignalingStateSignaling, SignalingStateConnecting)
		if err := channel.negotiator.AddRemoteCandidate(*envelope.ICE); err != nil {
			channel.logger.Error("error while adding remote candidate", "err", err)
			channel.transition(SignalingStateFailed)
		}

	default:
		channel.logger.Debug("dropping empty signaling envelope")
	}
}

func (channel *SignalingChannel) handleRemoteOffer(offer *webrtc.SessionDescription) {
	answer, err := channel.negotiate(offer)
	if err != nil {
		channel.logger.Error("error while negotiating remote offer", "err", err)
		channel.transition(SignalingStateFailed)
		return
	}
	if err := channel.writeJSON(clientEnvelope{UUID: channel.localPeerID, SDP: answer}); err != nil {
		channel.logger.Error("error while sending answer", "err", err)
		channel.transition(SignalingStateFailed)
	}
}

// negotiate runs the offer through the transport: remote description in,
// stereo-forced answer out. ICE gathering starts when the answer commits.
func (channel *SignalingChannel) negotiate(offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := channel.negotiator.AcceptRemoteOffer(offer.SDP); err != nil {
		return nil, fmt.Errorf("accepting remote offer: %w", err)
	}

	answerSDP, err := channel.negotiator.CreateAnswer()
	if err != nil {
		return nil, err
	}
	answerSDP = ForceOpusStereo(answerSDP)

	if err := channel.negotiator.SetLocalAnswer(answerSDP); err != nil {
		return nil, fmt.Errorf("committing local answer: %w", err)
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}, nil
}

// --------------------------------------------------------------------------------
// State and socket plumbing

// transition moves to the given state and fires the state callback.
// Terminal states stick. When onlyFrom is given, the transition applies
// only from those states.
func (channel *SignalingChannel) transition(to SignalingState, onlyFrom ...SignalingState) {
	channel.mutex.Lock()
	current := channel.state
	if current == to || current.terminal() ||
		(len(onlyFrom) > 0 && !slices.Contains(onlyFrom, current)) {
		channel.mutex.Unlock()
		return
	}
	channel.state = to
	callback := channel.onStateChange
	channel.mutex.Unlock()

	channel.logger.Debug("signaling state changed", "from", current.String(), "to", to.String())
	if callback != nil {
		callback(to)
	}
}

func (channel *SignalingChannel) closedLocally() bool {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return channel.localClose
}

// writeJSON serializes writes: the websocket allows only one concurrent
// writer, and candidates, answers and the login frame come from different
// goroutines.
func (channel *SignalingChannel) writeJSON(message any) error {
	channel.mutex.Lock()
	conn := channel.conn
	channel.mutex.Unlock()
	if conn == nil {
		return errors.New("signaling socket is not open")
	}

	channel.writeMutex.Lock()
	defer channel.writeMutex.Unlock()
	return conn.WriteJSON(message)
}

// --------------------------------------------------------------------------------
// URL handling

// NormalizeSignalingURL turns a user-supplied server address into the
// websocket URL the channel dials. http and https map to ws and wss, a bare
// host defaults to wss, the path gains a trailing slash, and a non-empty
// token is appended as a query parameter.
func NormalizeSignalingURL(raw string, token string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("empty signaling URL")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "wss://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parsing signaling URL: %w", err)
	}

	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported signaling URL scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("signaling URL %q has no host", raw)
	}

	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if token != "" {
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
