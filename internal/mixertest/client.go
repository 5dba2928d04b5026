package mixertest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/arpeggio-labs/spatialvoice/internal/ravi"
)

// signalEnvelope is the inner server-to-client signaling frame. On the
// wire it is addressed by wrapping it as {"<client id>": envelope}.
type signalEnvelope struct {
	Error string                     `json:"error,omitempty"`
	SDP   *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE   *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

// initReply mirrors the init response the production service sends.
type initReply struct {
	Success      bool   `json:"success"`
	BuildNumber  int    `json:"build_number"`
	BuildType    string `json:"build_type"`
	BuildVersion string `json:"build_version"`
	VisitIDHash  string `json:"visit_id_hash,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type volumeAdjustReply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// mixerClient is the mixer's side of one connected client: the signaling
// socket, the peer connection it offers, both data channels, and the
// outgoing audio track.
type mixerClient struct {
	mixer  *Mixer
	logger *slog.Logger
	id     string

	conn       *websocket.Conn
	writeMutex sync.Mutex

	pc             *webrtc.PeerConnection
	commandChannel *webrtc.DataChannel
	inputChannel   *webrtc.DataChannel
	audioTrack     *webrtc.TrackLocalStaticSample

	closeOnce sync.Once

	mutex       sync.Mutex
	commandOpen bool
	inputOpen   bool
}

// startClient builds the peer connection for a freshly admitted client and
// sends it the SDP offer. The mixer is the WebRTC offerer and creates both
// data channels, just like the production service.
func (mixer *Mixer) startClient(conn *websocket.Conn, id string) (*mixerClient, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	client := &mixerClient{
		mixer:  mixer,
		logger: mixer.logger.With("client id", id),
		id:     id,
		conn:   conn,
		pc:     pc,
	}

	commandChannel, err := pc.CreateDataChannel(ravi.CommandChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating command channel: %w", err)
	}
	ordered := false
	maxRetransmits := uint16(0)
	inputChannel, err := pc.CreateDataChannel(ravi.InputChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating input channel: %w", err)
	}
	client.commandChannel = commandChannel
	client.inputChannel = inputChannel

	commandChannel.OnOpen(func() { client.markOpen(&client.commandOpen) })
	commandChannel.OnMessage(client.handleCommandMessage)
	inputChannel.OnOpen(func() { client.markOpen(&client.inputOpen) })
	inputChannel.OnMessage(client.handleInputMessage)

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU},
		"audio",
		"mixer",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio track: %w", err)
	}
	client.audioTrack = audioTrack

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		client.logger.Debug("client audio track arrived", "track id", track.ID())
		go client.drainAudio(track)
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := client.writeEnvelope(signalEnvelope{ICE: &init}); err != nil {
			client.logger.Debug("error while relaying candidate", "err", err)
		}
	})

	mixer.mutex.Lock()
	mixer.clients[id] = client
	mixer.mutex.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("committing offer: %w", err)
	}
	if err := client.writeEnvelope(signalEnvelope{SDP: &offer}); err != nil {
		return nil, fmt.Errorf("sending offer: %w", err)
	}

	client.logger.Debug("client admitted, offer sent")
	return client, nil
}

// --------------------------------------------------------------------------------
// Signaling socket

// readPump relays the client's answer and candidates into the peer
// connection until the socket dies.
func (client *mixerClient) readPump() {
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			client.logger.Debug("client socket closed", "err", err)
			return
		}
		client.handleSignal(payload)
	}
}

func (client *mixerClient) handleSignal(payload []byte) {
	var envelope struct {
		UUID string                     `json:"uuid"`
		SDP  *webrtc.SessionDescription `json:"sdp"`
		ICE  *webrtc.ICECandidateInit   `json:"ice"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		client.logger.Debug("dropping malformed signaling frame", "err", err)
		return
	}

	switch {
	case envelope.SDP != nil:
		if err := client.pc.SetRemoteDescription(*envelope.SDP); err != nil {
			client.logger.Error("error while applying client answer", "err", err)
		}

	case envelope.ICE != nil:
		if envelope.ICE.Candidate == "" {
			// End-of-candidates marker.
			return
		}
		if err := client.pc.AddICECandidate(*envelope.ICE); err != nil {
			client.logger.Debug("error while adding client candidate", "err", err)
		}
	}
}

func (client *mixerClient) writeEnvelope(envelope signalEnvelope) error {
	client.writeMutex.Lock()
	defer client.writeMutex.Unlock()
	return client.conn.WriteJSON(map[string]signalEnvelope{client.id: envelope})
}

// --------------------------------------------------------------------------------
// Data channels

func (client *mixerClient) markOpen(flag *bool) {
	client.mutex.Lock()
	*flag = true
	client.mutex.Unlock()
}

func (client *mixerClient) ready() bool {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.commandOpen && client.inputOpen
}

func (client *mixerClient) handleCommandMessage(message webrtc.DataChannelMessage) {
	if !message.IsString {
		client.logger.Debug("ignoring binary command-channel message", "bytes", len(message.Data))
		return
	}

	var envelope struct {
		Command string          `json:"c"`
		Payload json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal(message.Data, &envelope); err != nil || envelope.Command == "" {
		client.logger.Debug("dropping unparseable command", "err", err)
		return
	}
	client.mixer.recordCommand(client.id, envelope.Command, envelope.Payload)

	switch envelope.Command {
	case commandInit:
		client.answerInit()
	case commandPersonalVolumeAdjust:
		client.answerVolumeAdjust(envelope.Payload)
	}
}

func (client *mixerClient) handleInputMessage(message webrtc.DataChannelMessage) {
	client.mixer.recordInput(client.id, message.Data)
}

func (client *mixerClient) answerInit() {
	if reason := client.mixer.initFailureReason(); reason != "" {
		client.replyCommand(commandInit, initReply{Success: false, Reason: reason})
		return
	}
	client.replyCommand(commandInit, initReply{
		Success:      true,
		BuildNumber:  1,
		BuildType:    "devel",
		BuildVersion: "0.0.0",
		VisitIDHash:  client.mixer.VisitIDHash(client.id),
		UserID:       "user-" + client.id,
	})
}

func (client *mixerClient) answerVolumeAdjust(payload json.RawMessage) {
	var request struct {
		VisitIDHash string  `json:"visit_id_hash"`
		Gain        float64 `json:"gain"`
	}
	if err := json.Unmarshal(payload, &request); err != nil || request.VisitIDHash == "" {
		client.replyCommand(commandPersonalVolumeAdjust, volumeAdjustReply{
			Success: false,
			Reason:  "bad-request",
		})
		return
	}
	client.replyCommand(commandPersonalVolumeAdjust, volumeAdjustReply{Success: true})
}

func (client *mixerClient) replyCommand(name string, payload any) {
	if err := client.sendCommand(name, payload); err != nil {
		client.logger.Debug("error while answering command", "command", name, "err", err)
	}
}

func (client *mixerClient) sendCommand(name string, payload any) error {
	if client.commandChannel.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	envelope, err := json.Marshal(struct {
		Command string `json:"c"`
		Payload any    `json:"p"`
	}{Command: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}
	return client.commandChannel.SendText(string(envelope))
}

func (client *mixerClient) sendBinary(data []byte) error {
	if client.inputChannel.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	return client.inputChannel.Send(data)
}

// --------------------------------------------------------------------------------
// Audio

func (client *mixerClient) writeAudioFrame(frame []byte) error {
	return client.audioTrack.WriteSample(media.Sample{
		Data:     frame,
		Duration: 20 * time.Millisecond,
	})
}

func (client *mixerClient) drainAudio(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		client.mixer.recordAudioPacket(client.id)
	}
}

// --------------------------------------------------------------------------------
// Shutdown

func (client *mixerClient) close() {
	client.closeOnce.Do(func() {
		client.pc.Close()

		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(time.Second)
		client.writeMutex.Lock()
		client.conn.WriteControl(websocket.CloseMessage, message, deadline)
		client.writeMutex.Unlock()
		client.conn.Close()
	})
}
