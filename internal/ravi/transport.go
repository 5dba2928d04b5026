package ravi

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Channel labels the mixing service creates on every peer connection. The
// service is the WebRTC offerer; the client receives both channels through
// OnDataChannel and tells them apart by label.
const (
	// CommandChannelLabel is the reliable, ordered channel for command
	// envelopes and bulk peer-state frames.
	CommandChannelLabel = "ravi.command"

	// InputChannelLabel is the unreliable channel for the client's own
	// state updates, where a lost message is superseded by the next one.
	InputChannelLabel = "ravi.input"
)

// TransportConfig carries the peer connection settings.
type TransportConfig struct {
	// ICEServers lists STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string

	// IncludeLoopback admits loopback ICE candidates so two transports in
	// the same process can connect without any external interface. Used by
	// tests and the local mixer double.
	IncludeLoopback bool
}

// TransportCallbacks connect transport events to the owning session. They
// fire on the WebRTC stack's internal goroutines and must not block.
type TransportCallbacks struct {
	// OnLocalCandidate fires for each locally gathered ICE candidate.
	OnLocalCandidate func(candidate webrtc.ICECandidateInit)

	// OnGatheringComplete fires once local ICE gathering has finished.
	OnGatheringComplete func()

	// OnBothChannelsOpen fires once per connection, when the command and
	// input channels are both open. Only then is the session usable.
	OnBothChannelsOpen func()

	// OnConnectionState reports peer connection state changes.
	OnConnectionState func(state webrtc.PeerConnectionState)

	// OnRemoteTrack fires when the service's mixed audio track arrives.
	OnRemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// PeerTransport owns the single peer connection to the mixing service and
// the two data channels the service announces on it. It carries no retry
// logic of its own: failures surface through OnConnectionState and recovery
// is the communicator's job.
type PeerTransport struct {
	logger *slog.Logger

	connection *webrtc.PeerConnection
	callbacks  TransportCallbacks

	shutdownOnce sync.Once

	mutex          sync.Mutex
	commandChannel *webrtc.DataChannel
	inputChannel   *webrtc.DataChannel
	commandOpen    bool
	inputOpen      bool
	announcedOpen  bool
	localSenders   []*webrtc.RTPSender
}

func NewPeerTransport(config TransportConfig, callbacks TransportCallbacks, logger *slog.Logger) (*PeerTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(config.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	configuration := webrtc.Configuration{}
	if len(config.ICEServers) > 0 {
		configuration.ICEServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	connection, err := api.NewPeerConnection(configuration)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	transport := &PeerTransport{
		logger:     logger,
		connection: connection,
		callbacks:  callbacks,
	}

	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		switch channel.Label() {
		case CommandChannelLabel, InputChannelLabel:
			transport.adoptChannel(channel)
		default:
			transport.logger.Debug("ignoring unexpected data channel", "label", channel.Label())
		}
	})

	connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			if callbacks.OnGatheringComplete != nil {
				callbacks.OnGatheringComplete()
			}
			return
		}
		if callbacks.OnLocalCandidate != nil {
			callbacks.OnLocalCandidate(candidate.ToJSON())
		}
	})

	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		transport.logger.Debug("peer connection state changed", "state", state.String())
		if callbacks.OnConnectionState != nil {
			callbacks.OnConnectionState(state)
		}
	})

	connection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		transport.logger.Debug(
			"received track",
			"track ID", track.ID(),
			"track kind", track.Kind().String(),
		)
		if callbacks.OnRemoteTrack != nil {
			callbacks.OnRemoteTrack(track, receiver)
		}
	})

	return transport, nil
}

// --------------------------------------------------------------------------------
// Negotiation
// The signaling channel drives these; the transport never talks to the
// signaling socket itself.

// AcceptRemoteOffer installs the service's SDP offer as the remote
// description.
func (transport *PeerTransport) AcceptRemoteOffer(sdp string) error {
	return transport.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// CreateAnswer produces the local answer SDP without committing it, so the
// caller can rewrite it before SetLocalAnswer.
func (transport *PeerTransport) CreateAnswer() (string, error) {
	answer, err := transport.connection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	return answer.SDP, nil
}

// SetLocalAnswer commits the answer SDP, which starts ICE gathering.
func (transport *PeerTransport) SetLocalAnswer(sdp string) error {
	return transport.connection.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddRemoteCandidate adds one ICE candidate received from the service.
func (transport *PeerTransport) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return transport.connection.AddICECandidate(candidate)
}

// --------------------------------------------------------------------------------
// Audio tracks

// AddLocalTrack attaches a local capture track for sending to the service.
func (transport *PeerTransport) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := transport.connection.AddTrack(track)
	if err != nil {
		return fmt.Errorf("adding local track: %w", err)
	}

	transport.mutex.Lock()
	transport.localSenders = append(transport.localSenders, sender)
	transport.mutex.Unlock()
	return nil
}

// RemoveLocalTracks detaches every track added with AddLocalTrack.
func (transport *PeerTransport) RemoveLocalTracks() {
	transport.mutex.Lock()
	senders := transport.localSenders
	transport.localSenders = nil
	transport.mutex.Unlock()

	for _, sender := range senders {
		if err := transport.connection.RemoveTrack(sender); err != nil {
			transport.logger.Debug("removing local track", "err", err)
		}
	}
}

// --------------------------------------------------------------------------------
// Channel accessors and shutdown

// CommandChannel returns the reliable channel, or nil before the service
// has announced it.
func (transport *PeerTransport) CommandChannel() *webrtc.DataChannel {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	return transport.commandChannel
}

// InputChannel returns the unreliable channel, or nil before the service
// has announced it.
func (transport *PeerTransport) InputChannel() *webrtc.DataChannel {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()
	return transport.inputChannel
}

// Close tears down the peer connection. Idempotent.
func (transport *PeerTransport) Close() {
	transport.shutdownOnce.Do(func() {
		if err := transport.connection.Close(); err != nil {
			transport.logger.Debug("closing peer connection", "err", err)
		}
	})
}

// --------------------------------------------------------------------------------
// Channel tracking

func (transport *PeerTransport) adoptChannel(channel *webrtc.DataChannel) {
	transport.logger.Debug("data channel announced", "label", channel.Label())

	transport.mutex.Lock()
	switch channel.Label() {
	case CommandChannelLabel:
		transport.commandChannel = channel
	case InputChannelLabel:
		transport.inputChannel = channel
	}
	transport.mutex.Unlock()

	label := channel.Label()
	channel.OnOpen(func() { transport.channelOpened(label) })
	channel.OnClose(func() { transport.channelClosed(label) })
}

func (transport *PeerTransport) channelOpened(label string) {
	transport.logger.Debug("data channel open", "label", label)

	transport.mutex.Lock()
	switch label {
	case CommandChannelLabel:
		transport.commandOpen = true
	case InputChannelLabel:
		transport.inputOpen = true
	}
	announce := transport.commandOpen && transport.inputOpen && !transport.announcedOpen
	if announce {
		transport.announcedOpen = true
	}
	transport.mutex.Unlock()

	if announce && transport.callbacks.OnBothChannelsOpen != nil {
		transport.callbacks.OnBothChannelsOpen()
	}
}

func (transport *PeerTransport) channelClosed(label string) {
	transport.logger.Debug("data channel closed", "label", label)

	transport.mutex.Lock()
	switch label {
	case CommandChannelLabel:
		transport.commandOpen = false
	case InputChannelLabel:
		transport.inputOpen = false
	}
	transport.mutex.Unlock()
}
