// Package ravi implements the session layer between a client and the
// spatial audio mixing service, named after the wire protocol's channel
// labels (ravi.command, ravi.input).
//
// A Session bundles the three moving parts of one connection attempt: the
// websocket signaling channel, the WebRTC peer transport, and the command
// controller that multiplexes the data channels. Sessions are single-use.
// A session that fails is closed and thrown away; the communicator decides
// whether to build a new one.
package ravi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// DefaultConnectTimeout bounds the time between Connect and both data
// channels opening when SessionConfig leaves ConnectTimeout unset.
const DefaultConnectTimeout = 5 * time.Second

// SessionState tracks a session through its lifecycle.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionSignaling
	SessionConnected
	SessionBothChannelsOpen
	SessionDisconnected
	SessionFailed
	SessionClosing
	SessionUnavailable
)

func (state SessionState) String() string {
	switch state {
	case SessionClosed:
		return "Closed"
	case SessionSignaling:
		return "Signaling"
	case SessionConnected:
		return "Connected"
	case SessionBothChannelsOpen:
		return "BothChannelsOpen"
	case SessionDisconnected:
		return "Disconnected"
	case SessionFailed:
		return "Failed"
	case SessionClosing:
		return "Closing"
	case SessionUnavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("SessionState(%d)", int(state))
	}
}

func (state SessionState) terminal() bool {
	return state == SessionFailed ||
		state == SessionClosed ||
		state == SessionUnavailable
}

// SessionConfig carries the per-session settings.
type SessionConfig struct {
	// ICEServers lists STUN/TURN URLs for the peer connection.
	ICEServers []string

	// ConnectTimeout bounds the time between Connect and both data
	// channels opening; past it the session folds to Failed. Zero selects
	// DefaultConnectTimeout. The communicator enforces its own attempt
	// deadlines as well; this watchdog keeps the session self-contained.
	ConnectTimeout time.Duration

	// IncludeLoopback admits loopback ICE candidates, for in-process use.
	IncludeLoopback bool
}

// Session is one connection attempt to the mixing service.
//
// Lifecycle: Connect starts signaling and returns immediately. The service
// sends an SDP offer over the signaling socket, the session answers, ICE
// runs, and the service's two data channels open. State changes surface
// through the onStateChange callback, on internal goroutines:
//
//	Closed -> Signaling -> Connected -> BothChannelsOpen
//	            |              |             |
//	            +--------------+------+------+
//	                                  v
//	              Disconnected / Failed / Unavailable
//
// BothChannelsOpen is the usable state. Only then does SendCommand reach
// the service.
type Session struct {
	logger *slog.Logger

	config      SessionConfig
	localPeerID string

	signaling *SignalingChannel
	transport *PeerTransport
	commands  *CommandController

	onStateChange func(state SessionState)

	// ctx signals internal goroutines (the connect watchdog) to stop.
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	shutdownOnce  sync.Once

	mutex              sync.Mutex
	state              SessionState
	everOpened         bool
	localClose         bool
	remoteTrackHandler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// NewSession wires a signaling channel, peer transport and command
// controller into one session. onStateChange fires on internal goroutines
// and must not block.
func NewSession(config SessionConfig, onStateChange func(state SessionState), logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	session := &Session{
		config:        config,
		localPeerID:   uuid.New().String(),
		onStateChange: onStateChange,
		ctx:           ctx,
		ctxCancelFunc: cancelFunc,
		state:         SessionClosed,
	}
	session.logger = logger.With(
		"session uuid", session.localPeerID,
	)

	transport, err := NewPeerTransport(
		TransportConfig{
			ICEServers:      config.ICEServers,
			IncludeLoopback: config.IncludeLoopback,
		},
		TransportCallbacks{
			OnLocalCandidate:    session.relayLocalCandidate,
			OnGatheringComplete: session.relayEndOfCandidates,
			OnBothChannelsOpen:  session.handleBothChannelsOpen,
			OnConnectionState:   session.handleConnectionState,
			OnRemoteTrack:       session.handleRemoteTrack,
		},
		session.logger,
	)
	if err != nil {
		cancelFunc()
		return nil, err
	}
	session.transport = transport
	session.signaling = NewSignalingChannel(session.localPeerID, transport, session.handleSignalingState, session.logger)
	session.commands = NewCommandController(session.logger)

	return session, nil
}

// LocalPeerID returns the uuid this session introduces itself with on the
// signaling channel.
func (session *Session) LocalPeerID() string {
	return session.localPeerID
}

// State returns the current session state.
func (session *Session) State() SessionState {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.state
}

// Commands returns the session's command controller.
func (session *Session) Commands() *CommandController {
	return session.commands
}

// Connect starts the signaling exchange against the given websocket URL and
// returns immediately; completion and failure both arrive through the state
// callback. If both data channels have not opened within ConnectTimeout the
// session folds to Failed and tears itself down.
func (session *Session) Connect(signalingURL string) error {
	session.mutex.Lock()
	if session.state != SessionClosed {
		state := session.state
		session.mutex.Unlock()
		return fmt.Errorf("session is %s, cannot connect", state)
	}
	session.state = SessionSignaling
	callback := session.onStateChange
	session.mutex.Unlock()
	if callback != nil {
		callback(SessionSignaling)
	}

	go session.watchConnectDeadline()

	// The websocket dial blocks; keep it off the caller's goroutine.
	go func() {
		if err := session.signaling.Connect(signalingURL); err != nil {
			// The signaling channel has already reported Failed through
			// its state callback.
			session.logger.Debug("signaling connect failed", "err", err)
		}
	}()
	return nil
}

// Close tears the session down: command bindings dropped, peer connection
// closed, signaling socket closed. Safe from any state, idempotent.
func (session *Session) Close() {
	session.mutex.Lock()
	session.localClose = true
	session.mutex.Unlock()

	session.setState(SessionClosing)
	session.teardown()
	session.setState(SessionClosed)
}

// SetLocalAudioTrack attaches the local capture track to the transport.
// Call before Connect so the track is part of the negotiated answer.
func (session *Session) SetLocalAudioTrack(track webrtc.TrackLocal) error {
	return session.transport.AddLocalTrack(track)
}

// SetRemoteTrackHandler registers the callback for the mixed audio track
// the service sends. Call before Connect.
func (session *Session) SetRemoteTrackHandler(handler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	session.mutex.Lock()
	session.remoteTrackHandler = handler
	session.mutex.Unlock()
}

// --------------------------------------------------------------------------------
// Command controller pass-throughs
// The communicator talks to the session, not to the controller, so a test
// double can stand in for the whole session.

func (session *Session) AddCommandHandler(name string, handler CommandHandler) {
	session.commands.AddCommandHandler(name, handler)
}

func (session *Session) SetBinaryHandler(handler func(data []byte)) {
	session.commands.SetBinaryHandler(handler)
}

func (session *Session) SendCommand(name string, payload any) bool {
	return session.commands.SendCommand(name, payload)
}

func (session *Session) SendInput(data []byte) bool {
	return session.commands.SendInput(data)
}

// --------------------------------------------------------------------------------
// Event wiring
// These run on the signaling channel's and the WebRTC stack's goroutines.

func (session *Session) handleSignalingState(state SignalingState) {
	switch state {
	case SignalingStateFailed:
		session.fail()
	case SignalingStateUnavailable:
		session.setState(SessionUnavailable)
		session.teardown()
	case SignalingStateClosed:
		// A socket closing after the channels opened, or during a local
		// Close, is unremarkable. Before that point it ends the attempt.
		if session.closingLocally() || session.openedChannels() {
			return
		}
		session.fail()
	}
}

func (session *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		session.setState(SessionConnected)
	case webrtc.PeerConnectionStateDisconnected:
		session.setState(SessionDisconnected)
	case webrtc.PeerConnectionStateFailed:
		session.fail()
	case webrtc.PeerConnectionStateClosed:
		if session.closingLocally() {
			session.setState(SessionClosed)
		} else {
			session.fail()
		}
	}
}

func (session *Session) handleBothChannelsOpen() {
	session.mutex.Lock()
	session.everOpened = true
	session.mutex.Unlock()

	// Bind before announcing, so the state handler can send immediately.
	session.commands.Bind(session.transport)
	session.setState(SessionBothChannelsOpen)
}

func (session *Session) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	session.mutex.Lock()
	handler := session.remoteTrackHandler
	session.mutex.Unlock()
	if handler != nil {
		handler(track, receiver)
	}
}

func (session *Session) relayLocalCandidate(candidate webrtc.ICECandidateInit) {
	if err := session.signaling.SendCandidate(candidate); err != nil {
		session.logger.Debug("error while relaying local candidate", "err", err)
	}
}

func (session *Session) relayEndOfCandidates() {
	if err := session.signaling.SendEndOfCandidates(); err != nil {
		session.logger.Debug("error while signaling end of candidates", "err", err)
	}
}

// --------------------------------------------------------------------------------
// State plumbing and teardown

func (session *Session) watchConnectDeadline() {
	timer := time.NewTimer(session.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-session.ctx.Done():
	case <-timer.C:
		if session.openedChannels() {
			return
		}
		session.logger.Info("session did not open in time", "timeout", session.config.ConnectTimeout)
		session.fail()
	}
}

func (session *Session) fail() {
	session.setState(SessionFailed)
	session.teardown()
}

func (session *Session) teardown() {
	session.shutdownOnce.Do(func() {
		session.ctxCancelFunc()
		session.commands.Unbind()
		session.transport.Close()
		session.signaling.Disconnect()
	})
}

// setState moves the session to the given state and notifies the owner.
// Failed, Closed and Unavailable stick: once a session has ended, later
// events from the transport or the socket cannot revive or re-label it.
func (session *Session) setState(state SessionState) {
	session.mutex.Lock()
	current := session.state
	if current == state || current.terminal() {
		session.mutex.Unlock()
		return
	}
	session.state = state
	callback := session.onStateChange
	session.mutex.Unlock()

	session.logger.Debug("session state changed", "from", current.String(), "to", state.String())
	if callback != nil {
		callback(state)
	}
}

func (session *Session) closingLocally() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.localClose
}

func (session *Session) openedChannels() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.everOpened
}
