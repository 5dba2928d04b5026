// Package communicator is the top level client for the spatial voice
// service. It owns the connection lifecycle, retry and reconnect policy,
// the local user's outgoing audio data, and the registry of remote peers.
//
// A Communicator drives sessions through a small run loop that wakes every
// few milliseconds. Session callbacks arrive on network goroutines and are
// queued as events; the loop drains them, applies the retry timers, and
// transmits user data changes, so all state machine decisions happen in one
// place.
//
//	           Connect()                 init accepted
//	Disconnected ------> Connecting ----------------------> Connected
//	      ^               |      ^                           |    |
//	      |        budget |      | attempt failed,           |    | drop,
//	      | Disconnect()  | out  | retry armed         drop, |    | no auto
//	      |               v      |                     auto  |    | reconnect
//	 Disconnecting       Failed <---- reconnect budget out   |    v
//	      ^                 ^                                |  Failed
//	      |                 |                                v
//	      +---- Connected   +------------------------- Reconnecting
//
// The service can also refuse a connection outright when it has no seat
// left. That surfaces as Unavailable before the machine settles on a retry
// cycle or Failed.
package communicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/arpeggio-labs/spatialvoice/internal/ravi"
	"github.com/arpeggio-labs/spatialvoice/pkg/audiodata"
)

const (
	tickInterval   = 10 * time.Millisecond
	eventQueueSize = 64
)

// Command names of the service's application protocol.
const (
	commandInit                 = "audionet.init"
	commandPersonalVolumeAdjust = "audionet.personal_volume_adjust"
)

// --------------------------------------------------------------------------
// SESSION ABSTRACTION
// --------------------------------------------------------------------------

// session is the slice of ravi.Session the communicator drives. Tests
// substitute a fake so the whole machine runs without a network.
type session interface {
	LocalPeerID() string
	Connect(signalingURL string) error
	Close()
	AddCommandHandler(name string, handler ravi.CommandHandler)
	SetBinaryHandler(handler func(data []byte))
	SendCommand(name string, payload any) bool
	SendInput(data []byte) bool
	SetLocalAudioTrack(track webrtc.TrackLocal) error
	SetRemoteTrackHandler(handler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
}

// sessionFactory builds one connection attempt.
type sessionFactory func(config ravi.SessionConfig, onStateChange func(state ravi.SessionState), logger *slog.Logger) (session, error)

func defaultSessionFactory(config ravi.SessionConfig, onStateChange func(state ravi.SessionState), logger *slog.Logger) (session, error) {
	return ravi.NewSession(config, onStateChange, logger)
}

// sessionEvent carries one asynchronous occurrence into the run loop. The
// owner field identifies which attempt produced it, so events from a
// session that has already been torn down are dropped instead of confusing
// the machine.
type sessionEvent struct {
	owner session
	kind  eventKind

	sessionState ravi.SessionState
	initResponse *initResponse
	muted        bool
	reason       string
}

type eventKind int

const (
	kindSessionState eventKind = iota
	kindInitResponse
	kindMute
	kindTerminate
)

// --------------------------------------------------------------------------
// WIRE SHAPES
// --------------------------------------------------------------------------

type initRequest struct {
	Primary             bool   `json:"primary"`
	VisitID             string `json:"visit_id"`
	Session             string `json:"session"`
	StreamingScope      string `json:"streaming_scope"`
	IsInputStreamStereo bool   `json:"is_input_stream_stereo"`
}

type initResponse struct {
	Success      bool   `json:"success"`
	BuildNumber  int    `json:"build_number"`
	BuildType    string `json:"build_type"`
	BuildVersion string `json:"build_version"`
	VisitIDHash  string `json:"visit_id_hash"`
	UserID       string `json:"user_id"`
	Reason       string `json:"reason"`
}

type volumeAdjustRequest struct {
	VisitIDHash string  `json:"visit_id_hash"`
	Gain        float64 `json:"gain"`
}

type volumeAdjustResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// --------------------------------------------------------------------------
// COMMUNICATOR
// --------------------------------------------------------------------------

// Communicator connects one local user to the mixing service and keeps the
// connection alive according to its Config. Create it with NewCommunicator,
// register handlers, then call Connect.
//
// Handler callbacks run on the communicator's run loop and must not block.
// Peer updates and disconnects are batched: many frames can arrive between
// two wakeups and each peer is reported once per batch with its latest
// data.
type Communicator struct {
	logger     *slog.Logger
	config     Config
	newSession sessionFactory
	registry   *peerRegistry
	events     chan sessionEvent

	runCancel context.CancelFunc
	runDone   chan struct{}
	closeOnce sync.Once

	// Everything below is guarded by mutex. The run loop's tick holds it
	// while deciding, and every callback fires after it is released.
	mutex sync.Mutex

	state          ConnectionState
	session        session
	signalingURL   string
	visitID        string
	visitIDHash    string
	neverConnected bool

	connectDeadline   time.Time
	reconnectDeadline time.Time
	attemptDeadline   time.Time
	nextAttemptAt     time.Time
	nextTransmitAt    time.Time

	pending  *audiodata.OutgoingAudioAPIData
	lastSent *audiodata.OutgoingAudioAPIData
	dirty    bool

	localTrack         webrtc.TrackLocal
	remoteTrackHandler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	onConnectionState   func(state ConnectionState)
	onPeersUpdated      func(peers []audiodata.IncomingAudioAPIData)
	onPeersDisconnected func(visitIDHashes []string)
	onMuteInstruction   func(muted bool)
}

// NewCommunicator creates a communicator and starts its run loop. Close it
// when done, even if Connect is never called.
func NewCommunicator(config Config, logger *slog.Logger) *Communicator {
	communicator := newCommunicator(config, defaultSessionFactory, logger)
	communicator.startRunLoop()
	return communicator
}

// newCommunicator wires everything but the run loop. Tests drive tick
// directly with a synthetic clock instead.
func newCommunicator(config Config, factory sessionFactory, logger *slog.Logger) *Communicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Communicator{
		logger:         logger,
		config:         config.withDefaults(),
		newSession:     factory,
		registry:       newPeerRegistry(),
		events:         make(chan sessionEvent, eventQueueSize),
		state:          Disconnected,
		neverConnected: true,
		pending:        audiodata.NewOutgoingAudioAPIData(),
		lastSent:       audiodata.NewOutgoingAudioAPIData(),
	}
}

func (communicator *Communicator) startRunLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	communicator.runCancel = cancel
	communicator.runDone = make(chan struct{})
	go communicator.run(ctx)
}

func (communicator *Communicator) run(ctx context.Context) {
	defer close(communicator.runDone)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			communicator.tick(now)
		}
	}
}

// --------------------------------------------------------------------------
// PUBLIC API, LIFECYCLE
// --------------------------------------------------------------------------

// Connect starts a connection cycle against the service at serverURL,
// authenticating with token when non-empty. It validates the URL, moves
// the machine to Connecting and returns; progress arrives through the
// connection state handler. Valid only when Disconnected or Failed.
func (communicator *Communicator) Connect(serverURL string, token string) error {
	normalized, err := ravi.NormalizeSignalingURL(serverURL, token)
	if err != nil {
		return err
	}

	var notify []func()
	communicator.mutex.Lock()
	if communicator.state == Failed {
		notify = communicator.transitionLocked(Disconnected, notify)
	}
	if communicator.state != Disconnected {
		state := communicator.state
		communicator.mutex.Unlock()
		return fmt.Errorf("communicator is %s, cannot connect", state)
	}

	now := time.Now()
	communicator.signalingURL = normalized
	communicator.visitID = uuid.New().String()
	communicator.visitIDHash = ""
	communicator.neverConnected = true
	communicator.registry.clearAll()

	budget := communicator.config.RetryConnectionTimeout
	if budget < minimumConnectBudget {
		budget = minimumConnectBudget
	}
	communicator.connectDeadline = now.Add(budget)
	communicator.reconnectDeadline = time.Time{}
	notify = communicator.transitionLocked(Connecting, notify)
	notify = communicator.startAttemptLocked(now, notify)
	communicator.mutex.Unlock()

	for _, callback := range notify {
		callback()
	}
	return nil
}

// Disconnect ends the current connection cycle. The machine moves to
// Disconnecting immediately and settles on Disconnected once the session
// confirms closure.
func (communicator *Communicator) Disconnect() {
	var notify []func()
	communicator.mutex.Lock()
	switch communicator.state {
	case Disconnected, Disconnecting:

	case Failed, Unavailable:
		notify = communicator.settleLocked(Disconnected, notify)

	default:
		notify = communicator.transitionLocked(Disconnecting, notify)
		if communicator.session == nil {
			notify = communicator.settleLocked(Disconnected, notify)
			break
		}
		// The session stays registered so its Closed event is accepted;
		// the deadline is a backstop in case that event never comes.
		communicator.attemptDeadline = time.Now().Add(communicator.config.ConnectionTimeout)
		communicator.nextAttemptAt = time.Time{}
		closing := communicator.session
		go closing.Close()
	}
	communicator.mutex.Unlock()

	for _, callback := range notify {
		callback()
	}
}

// Close permanently stops the communicator. Any active connection is torn
// down and the run loop exits. The communicator cannot be reused.
func (communicator *Communicator) Close() {
	communicator.closeOnce.Do(func() {
		var notify []func()
		communicator.mutex.Lock()
		if communicator.state != Disconnected {
			notify = communicator.settleLocked(Disconnected, notify)
		}
		communicator.mutex.Unlock()
		for _, callback := range notify {
			callback()
		}

		if communicator.runCancel != nil {
			communicator.runCancel()
			<-communicator.runDone
		}
	})
}

// State returns the current connection state.
func (communicator *Communicator) State() ConnectionState {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	return communicator.state
}

// VisitIDHash returns the opaque identifier the service assigned to this
// connection, empty before the first successful init. Other participants
// know the local user by this value.
func (communicator *Communicator) VisitIDHash() string {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	return communicator.visitIDHash
}

// --------------------------------------------------------------------------
// PUBLIC API, HANDLERS AND MEDIA
// --------------------------------------------------------------------------

// SetConnectionStateHandler registers the connection state listener.
// Register handlers before Connect; they run on the run loop and must not
// block.
func (communicator *Communicator) SetConnectionStateHandler(handler func(state ConnectionState)) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	communicator.onConnectionState = handler
}

// SetPeersUpdatedHandler registers the listener for batched peer updates.
// Each element is a copy; the caller may keep it.
func (communicator *Communicator) SetPeersUpdatedHandler(handler func(peers []audiodata.IncomingAudioAPIData)) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	communicator.onPeersUpdated = handler
}

// SetPeersDisconnectedHandler registers the listener for batched peer
// disconnects, identified by visit id hash.
func (communicator *Communicator) SetPeersDisconnectedHandler(handler func(visitIDHashes []string)) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	communicator.onPeersDisconnected = handler
}

// SetMuteInstructionHandler registers the listener for server-side mute
// and unmute instructions.
func (communicator *Communicator) SetMuteInstructionHandler(handler func(muted bool)) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	communicator.onMuteInstruction = handler
}

// SetInputAudioTrack registers the local capture track. It is attached to
// every session created afterwards, so set it before Connect.
func (communicator *Communicator) SetInputAudioTrack(track webrtc.TrackLocal) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	communicator.localTrack = track
}

// SetRemoteTrackHandler registers the listener for the mixed audio track
// the service sends back.
func (communicator *Communicator) SetRemoteTrackHandler(handler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	communicator.remoteTrackHandler = handler
}

// --------------------------------------------------------------------------
// PUBLIC API, USER DATA
// --------------------------------------------------------------------------

// SetPosition updates the local user's position in the virtual space.
func (communicator *Communicator) SetPosition(position audiodata.Vector3) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	if communicator.pending.Position == position {
		return
	}
	communicator.pending.Position = position
	communicator.dirty = true
}

// SetOrientation updates the local user's orientation.
func (communicator *Communicator) SetOrientation(orientation audiodata.Quaternion) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	if communicator.pending.Orientation == orientation {
		return
	}
	communicator.pending.Orientation = orientation
	communicator.dirty = true
}

// SetVolumeThreshold updates the loudness threshold, in decibels, below
// which the local user's audio is not forwarded. NaN restores the service
// default.
func (communicator *Communicator) SetVolumeThreshold(decibels float64) {
	communicator.setScalar(&communicator.pending.VolumeThreshold, decibels)
}

// SetGain updates the local user's input gain multiplier.
func (communicator *Communicator) SetGain(gain float64) {
	communicator.setScalar(&communicator.pending.Gain, gain)
}

// SetAttenuation updates how quickly the local user's audio becomes
// quieter with distance. NaN restores the service default.
func (communicator *Communicator) SetAttenuation(attenuation float64) {
	communicator.setScalar(&communicator.pending.Attenuation, attenuation)
}

// SetRolloff updates the frequency rolloff applied to the local user's
// audio over distance. NaN restores the service default.
func (communicator *Communicator) SetRolloff(rolloff float64) {
	communicator.setScalar(&communicator.pending.Rolloff, rolloff)
}

func (communicator *Communicator) setScalar(field *float64, value float64) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	if sameValue(*field, value) {
		return
	}
	*field = value
	communicator.dirty = true
}

func sameValue(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// SetOtherUserGain sets a local gain override for one peer, identified by
// visit id hash. A gain of one restores the default.
func (communicator *Communicator) SetOtherUserGain(visitIDHash string, gain float64) {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	current, tracked := communicator.pending.OtherUserGains[visitIDHash]
	if tracked && current == gain {
		return
	}
	if !tracked && gain == audiodata.DefaultOtherUserGain {
		return
	}
	communicator.pending.OtherUserGains[visitIDHash] = gain
	communicator.dirty = true
}

// UserData returns a copy of the local user's current outgoing data.
func (communicator *Communicator) UserData() audiodata.OutgoingAudioAPIData {
	communicator.mutex.Lock()
	defer communicator.mutex.Unlock()
	return *communicator.pending.Copy()
}

// AdjustPersonalVolume asks the service to scale one peer's audio in the
// local user's mix, leaving other participants unaffected. It reports
// whether the request was sent; the service's verdict arrives later and is
// only logged. Requires a Connected state.
func (communicator *Communicator) AdjustPersonalVolume(visitIDHash string, gain float64) bool {
	communicator.mutex.Lock()
	attempt := communicator.session
	connected := communicator.state == Connected
	communicator.mutex.Unlock()

	if !connected || attempt == nil {
		return false
	}
	return attempt.SendCommand(commandPersonalVolumeAdjust, volumeAdjustRequest{
		VisitIDHash: visitIDHash,
		Gain:        gain,
	})
}

// --------------------------------------------------------------------------
// RUN LOOP
// --------------------------------------------------------------------------

// tick advances the machine once: queued session events first, then retry
// timers, then outgoing user data, then batched peer notifications. The
// run loop calls it every tickInterval; tests call it directly with a
// synthetic clock.
func (communicator *Communicator) tick(now time.Time) {
	var notify []func()

	communicator.mutex.Lock()
	notify = communicator.drainEventsLocked(now, notify)
	notify = communicator.checkDeadlinesLocked(now, notify)
	communicator.transmitLocked(now)
	onPeersUpdated := communicator.onPeersUpdated
	onPeersDisconnected := communicator.onPeersDisconnected
	communicator.mutex.Unlock()

	for _, callback := range notify {
		callback()
	}

	if updates := communicator.registry.drainChanged(); len(updates) > 0 && onPeersUpdated != nil {
		onPeersUpdated(updates)
	}
	if gone := communicator.registry.drainDeleted(); len(gone) > 0 && onPeersDisconnected != nil {
		onPeersDisconnected(gone)
	}
}

func (communicator *Communicator) drainEventsLocked(now time.Time, notify []func()) []func() {
	for {
		select {
		case event := <-communicator.events:
			if communicator.session == nil || event.owner != communicator.session {
				continue
			}
			notify = communicator.handleEventLocked(now, event, notify)
		default:
			return notify
		}
	}
}

// postEvent hands an event to the run loop without blocking the network
// goroutine it runs on. A full queue drops the event; the retry deadlines
// recover from anything lost this way.
func (communicator *Communicator) postEvent(event sessionEvent) {
	select {
	case communicator.events <- event:
	default:
		communicator.logger.Warn("event queue full, dropping event", "kind", int(event.kind))
	}
}

// --------------------------------------------------------------------------
// EVENT HANDLING
// --------------------------------------------------------------------------

func (communicator *Communicator) handleEventLocked(now time.Time, event sessionEvent, notify []func()) []func() {
	switch event.kind {
	case kindSessionState:
		return communicator.handleSessionStateLocked(now, event.sessionState, notify)

	case kindInitResponse:
		return communicator.handleInitResponseLocked(now, event.initResponse, notify)

	case kindMute:
		if callback := communicator.onMuteInstruction; callback != nil {
			muted := event.muted
			notify = append(notify, func() { callback(muted) })
		}
		return notify

	case kindTerminate:
		communicator.logger.Warn("service terminated the connection", "reason", event.reason)
		if communicator.state == Disconnecting {
			return communicator.settleLocked(Disconnected, notify)
		}
		return communicator.settleLocked(Failed, notify)
	}
	return notify
}

func (communicator *Communicator) handleSessionStateLocked(now time.Time, state ravi.SessionState, notify []func()) []func() {
	switch state {
	case ravi.SessionBothChannelsOpen:
		if !communicator.connectionCycleRunningLocked() {
			return notify
		}
		return communicator.sendInitLocked(notify)

	case ravi.SessionUnavailable:
		return communicator.handleUnavailableLocked(now, notify)

	case ravi.SessionDisconnected, ravi.SessionFailed, ravi.SessionClosed:
		return communicator.handleSessionLossLocked(now, notify)
	}
	return notify
}

// connectionCycleRunningLocked reports whether the machine is in a state
// where init traffic from the session is expected.
func (communicator *Communicator) connectionCycleRunningLocked() bool {
	return communicator.state == Connecting || communicator.state == Reconnecting
}

// handleSessionLossLocked reacts to a session ending for any reason other
// than a capacity refusal. What happens next depends on where the machine
// was and on the retry configuration.
func (communicator *Communicator) handleSessionLossLocked(now time.Time, notify []func()) []func() {
	switch communicator.state {
	case Disconnecting:
		return communicator.settleLocked(Disconnected, notify)

	case Connecting:
		if communicator.config.AutoRetryConnection && now.Before(communicator.connectDeadline) {
			communicator.armNextAttemptLocked(now)
			return notify
		}
		return communicator.settleLocked(Failed, notify)

	case Connected:
		if communicator.config.AutoReconnect {
			communicator.reconnectDeadline = now.Add(communicator.config.ReconnectionTimeout)
			notify = communicator.transitionLocked(Reconnecting, notify)
			communicator.armNextAttemptLocked(now)
			return notify
		}
		return communicator.settleLocked(Failed, notify)

	case Reconnecting:
		// One outage, one budget: the deadline set when the connection
		// dropped keeps running across attempts.
		communicator.armNextAttemptLocked(now)
		return notify
	}
	return notify
}

// handleUnavailableLocked reacts to the service refusing the connection
// for capacity reasons. The listener observes Unavailable even when a
// retry cycle follows immediately.
func (communicator *Communicator) handleUnavailableLocked(now time.Time, notify []func()) []func() {
	if communicator.state == Disconnecting {
		return communicator.settleLocked(Disconnected, notify)
	}

	notify = communicator.transitionLocked(Unavailable, notify)

	if communicator.neverConnected {
		if communicator.config.AutoRetryConnection && now.Before(communicator.connectDeadline) {
			notify = communicator.transitionLocked(Connecting, notify)
			communicator.armNextAttemptLocked(now)
			return notify
		}
		return communicator.settleLocked(Failed, notify)
	}

	if communicator.config.AutoReconnect {
		// Capacity refusals push the reconnect budget out: the service
		// was reachable, it just had no seat yet.
		communicator.reconnectDeadline = now.Add(communicator.config.ReconnectionTimeout)
		notify = communicator.transitionLocked(Reconnecting, notify)
		communicator.armNextAttemptLocked(now)
		return notify
	}
	return communicator.settleLocked(Failed, notify)
}

// sendInitLocked runs once both data channels are open. The init command
// introduces this visit to the service; the connection counts as
// established only when the response comes back successful.
func (communicator *Communicator) sendInitLocked(notify []func()) []func() {
	attempt := communicator.session
	if attempt == nil {
		return notify
	}

	request := initRequest{
		Primary:             true,
		VisitID:             communicator.visitID,
		Session:             attempt.LocalPeerID(),
		StreamingScope:      communicator.config.StreamingScope.String(),
		IsInputStreamStereo: communicator.config.InputAudioStereo,
	}
	if !attempt.SendCommand(commandInit, request) {
		communicator.logger.Error("error while sending init command")
		return communicator.settleLocked(Failed, notify)
	}
	return notify
}

func (communicator *Communicator) handleInitResponseLocked(now time.Time, response *initResponse, notify []func()) []func() {
	// A response that straggles in after a local Disconnect or a settle
	// must not revive the machine.
	if !communicator.connectionCycleRunningLocked() {
		return notify
	}
	if !response.Success {
		communicator.logger.Warn("service rejected init", "reason", response.Reason)
		return communicator.handleSessionLossLocked(now, notify)
	}

	communicator.logger.Info("connected to mixing service",
		"visitIDHash", response.VisitIDHash,
		"userID", response.UserID,
		"buildVersion", response.BuildVersion,
		"buildNumber", response.BuildNumber)

	if communicator.state == Reconnecting {
		// Peer state from before the outage is stale. The service will
		// stream everyone again on the new connection.
		notify = communicator.flushRegistryLocked(notify)
	}

	communicator.visitIDHash = response.VisitIDHash
	communicator.neverConnected = false
	communicator.connectDeadline = time.Time{}
	communicator.reconnectDeadline = time.Time{}
	communicator.attemptDeadline = time.Time{}
	communicator.nextAttemptAt = time.Time{}
	notify = communicator.transitionLocked(Connected, notify)

	// A fresh connection knows nothing about us. Diffing against default
	// data makes the next transmission carry the whole current state.
	communicator.lastSent = audiodata.NewOutgoingAudioAPIData()
	communicator.nextTransmitAt = time.Time{}
	communicator.dirty = true
	return notify
}

// --------------------------------------------------------------------------
// TIMERS AND ATTEMPTS
// --------------------------------------------------------------------------

func (communicator *Communicator) checkDeadlinesLocked(now time.Time, notify []func()) []func() {
	switch communicator.state {
	case Disconnecting:
		if expired(now, communicator.attemptDeadline) {
			communicator.logger.Warn("session did not confirm closure in time")
			return communicator.settleLocked(Disconnected, notify)
		}
		return notify

	case Connecting:
		if expired(now, communicator.connectDeadline) {
			communicator.logger.Warn("connection budget exhausted")
			return communicator.settleLocked(Failed, notify)
		}

	case Reconnecting:
		if expired(now, communicator.reconnectDeadline) {
			communicator.logger.Warn("reconnection budget exhausted")
			return communicator.settleLocked(Failed, notify)
		}

	default:
		return notify
	}

	if expired(now, communicator.attemptDeadline) {
		if communicator.state == Connecting && !communicator.config.AutoRetryConnection {
			communicator.logger.Warn("connection attempt timed out")
			return communicator.settleLocked(Failed, notify)
		}
		communicator.logger.Info("attempt timed out, scheduling another",
			"delay", communicator.config.ConnectionDelay)
		communicator.armNextAttemptLocked(now)
		return notify
	}

	if expired(now, communicator.nextAttemptAt) {
		communicator.nextAttemptAt = time.Time{}
		return communicator.startAttemptLocked(now, notify)
	}
	return notify
}

func expired(now, deadline time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

// armNextAttemptLocked tears the current session down and schedules the
// next attempt after ConnectionDelay. Exactly one of attemptDeadline and
// nextAttemptAt is set at any moment, so a single timer drives the cycle.
func (communicator *Communicator) armNextAttemptLocked(now time.Time) {
	communicator.teardownSessionLocked()
	communicator.attemptDeadline = time.Time{}
	communicator.nextAttemptAt = now.Add(communicator.config.ConnectionDelay)
}

// startAttemptLocked builds a fresh session and starts connecting it. At
// most one attempt starts per tick.
func (communicator *Communicator) startAttemptLocked(now time.Time, notify []func()) []func() {
	communicator.teardownSessionLocked()

	var attempt session
	onState := func(state ravi.SessionState) {
		communicator.postEvent(sessionEvent{owner: attempt, kind: kindSessionState, sessionState: state})
	}

	attempt, err := communicator.newSession(
		ravi.SessionConfig{
			ICEServers:      communicator.config.ICEServers,
			ConnectTimeout:  communicator.config.ConnectionTimeout,
			IncludeLoopback: communicator.config.IncludeLoopback,
		},
		onState,
		communicator.logger,
	)
	if err != nil {
		communicator.logger.Error("error while creating session", "err", err)
		return communicator.handleSessionLossLocked(now, notify)
	}

	communicator.session = attempt
	communicator.wireSessionLocked(attempt)

	if communicator.localTrack != nil {
		if err := attempt.SetLocalAudioTrack(communicator.localTrack); err != nil {
			communicator.logger.Error("error while attaching local audio track", "err", err)
		}
	}
	if communicator.remoteTrackHandler != nil {
		attempt.SetRemoteTrackHandler(communicator.remoteTrackHandler)
	}

	if err := attempt.Connect(communicator.signalingURL); err != nil {
		communicator.logger.Error("error while starting session", "err", err)
		return communicator.handleSessionLossLocked(now, notify)
	}

	communicator.attemptDeadline = now.Add(communicator.config.ConnectionTimeout)
	communicator.nextAttemptAt = time.Time{}
	return notify
}

// wireSessionLocked installs the command and frame handlers on a new
// attempt. They run on network goroutines and only queue events or touch
// the registry, never the machine itself.
func (communicator *Communicator) wireSessionLocked(attempt session) {
	attempt.AddCommandHandler(commandInit, func(payload json.RawMessage) {
		response := &initResponse{}
		if err := json.Unmarshal(payload, response); err != nil {
			communicator.logger.Error("error while decoding init response", "err", err)
			return
		}
		communicator.postEvent(sessionEvent{owner: attempt, kind: kindInitResponse, initResponse: response})
	})

	attempt.AddCommandHandler(commandPersonalVolumeAdjust, func(payload json.RawMessage) {
		var response volumeAdjustResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			communicator.logger.Debug("undecodable volume adjust response", "err", err)
			return
		}
		if !response.Success {
			communicator.logger.Info("personal volume adjustment rejected", "reason", response.Reason)
		}
	})

	attempt.SetBinaryHandler(func(data []byte) {
		communicator.handleInboundFrame(attempt, data)
	})
}

// teardownSessionLocked closes and forgets the current session. Close can
// block on network teardown, so it runs on its own goroutine; any event
// the dying session still emits is dropped because the owner no longer
// matches.
func (communicator *Communicator) teardownSessionLocked() {
	if communicator.session == nil {
		return
	}
	closing := communicator.session
	communicator.session = nil
	go closing.Close()
}

// --------------------------------------------------------------------------
// TERMINAL TRANSITIONS
// --------------------------------------------------------------------------

// settleLocked finalizes a transition into Failed or Disconnected: the
// session is discarded, every timer is invalidated, and all known peers
// are reported disconnected in one batch.
func (communicator *Communicator) settleLocked(state ConnectionState, notify []func()) []func() {
	communicator.teardownSessionLocked()
	communicator.connectDeadline = time.Time{}
	communicator.reconnectDeadline = time.Time{}
	communicator.attemptDeadline = time.Time{}
	communicator.nextAttemptAt = time.Time{}
	communicator.visitIDHash = ""
	notify = communicator.transitionLocked(state, notify)
	return communicator.flushRegistryLocked(notify)
}

func (communicator *Communicator) flushRegistryLocked(notify []func()) []func() {
	hashes := communicator.registry.clearAll()
	if len(hashes) == 0 {
		return notify
	}
	if callback := communicator.onPeersDisconnected; callback != nil {
		notify = append(notify, func() { callback(hashes) })
	}
	return notify
}

// transitionLocked moves the machine to state and queues the listener
// callback, which the caller runs after releasing the mutex.
func (communicator *Communicator) transitionLocked(state ConnectionState, notify []func()) []func() {
	if communicator.state == state {
		return notify
	}
	communicator.logger.Debug("connection state changed",
		"from", communicator.state.String(),
		"to", state.String())
	communicator.state = state

	if callback := communicator.onConnectionState; callback != nil {
		notify = append(notify, func() { callback(state) })
	}
	return notify
}

// --------------------------------------------------------------------------
// OUTGOING USER DATA
// --------------------------------------------------------------------------

// transmitLocked sends the difference between the last transmitted user
// data and the pending user data, at most once per UserDataUpdatePeriod.
// An empty difference consumes no budget.
func (communicator *Communicator) transmitLocked(now time.Time) {
	if communicator.state != Connected || !communicator.dirty || communicator.session == nil {
		return
	}
	if !communicator.nextTransmitAt.IsZero() && now.Before(communicator.nextTransmitAt) {
		return
	}

	changes := audiodata.ApplyAndGetChanges(communicator.lastSent, communicator.pending)
	communicator.dirty = false
	if changes.IsEmpty() {
		return
	}

	if !communicator.session.SendInput(changes.MarshalWire()) {
		// The channel is gone; the session's state event will arrive
		// shortly. Keep the data marked so nothing is lost.
		communicator.dirty = true
		return
	}
	communicator.nextTransmitAt = now.Add(communicator.config.UserDataUpdatePeriod)
}

// --------------------------------------------------------------------------
// INBOUND FRAMES
// --------------------------------------------------------------------------

// handleInboundFrame decodes one binary peer-state frame and merges it
// into the registry. It runs on the transport's receive goroutine, so peer
// data is current immediately while notification waits for the next tick.
func (communicator *Communicator) handleInboundFrame(owner session, payload []byte) {
	communicator.mutex.Lock()
	current := communicator.session == owner
	communicator.mutex.Unlock()
	if !current {
		return
	}

	frame, err := audiodata.DecodePeerFrame(payload)
	if err != nil {
		communicator.logger.Debug("dropping undecodable peer frame", "err", err)
		return
	}

	communicator.registry.applyFrame(frame)

	for _, instruction := range frame.Instructions {
		switch instruction.Name {
		case audiodata.InstructionMute:
			muted, ok := instruction.BoolArg(0)
			if !ok {
				communicator.logger.Debug("mute instruction without boolean argument")
				continue
			}
			communicator.postEvent(sessionEvent{owner: owner, kind: kindMute, muted: muted})

		case audiodata.InstructionTerminate:
			reason, _ := instruction.StringArg(0)
			communicator.postEvent(sessionEvent{owner: owner, kind: kindTerminate, reason: reason})

		default:
			communicator.logger.Debug("ignoring unknown instruction", "instruction", instruction.Name)
		}
	}
}
