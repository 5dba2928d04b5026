// Package mixertest runs an in-process stand-in for the spatial audio
// mixing service, close enough to the real thing for integration tests
// and local demos: a websocket signaling endpoint, one WebRTC peer
// connection per client with the ravi.command and ravi.input channels, a
// PCMU audio track each way, and scripted answers to the handshake
// commands. Everything a client sends is recorded for assertions, and
// peer-state frames can be pushed to any connected client.
package mixertest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/arpeggio-labs/spatialvoice/internal/ravi"
)

const (
	commandInit                 = "audionet.init"
	commandPersonalVolumeAdjust = "audionet.personal_volume_adjust"
)

// Config carries the mixer's scripted behavior. The zero value accepts any
// number of clients and answers every handshake with success.
type Config struct {
	// Capacity caps concurrent clients; logins past it are refused with
	// the service-unavailable error. Zero means unlimited.
	Capacity int

	// VisitIDHash, when set, is handed to every client in the init
	// response. When empty each client gets visit-1, visit-2, and so on.
	VisitIDHash string

	// RequireToken, when set, refuses logins whose URL token query
	// parameter does not match.
	RequireToken string
}

// ReceivedCommand is one command envelope a client sent on its command
// channel, kept for test assertions.
type ReceivedCommand struct {
	ClientID string
	Name     string
	Payload  json.RawMessage
}

// Mixer is the in-process mixing service double. Construct with NewMixer,
// point clients at URL, and tear down with Close.
type Mixer struct {
	logger   *slog.Logger
	config   Config
	server   *httptest.Server
	upgrader websocket.Upgrader

	mutex          sync.Mutex
	closed         bool
	failInitReason string
	visitCounter   int
	clients        map[string]*mixerClient
	commands       []ReceivedCommand
	inputs         map[string][][]byte
	audioPackets   map[string]int
	tokens         map[string]string
	visitHashes    map[string]string
}

// NewMixer starts the double on an ephemeral loopback port.
func NewMixer(config Config, logger *slog.Logger) *Mixer {
	mixer := newMixer(config, logger)
	mixer.server = httptest.NewServer(http.HandlerFunc(mixer.handleWebsocket))
	mixer.logger.Debug("mixer double listening", "url", mixer.server.URL)
	return mixer
}

// NewMixerOn starts the double on a specific listen address, for running
// it as a standalone process rather than inside a test.
func NewMixerOn(listenAddress string, config Config, logger *slog.Logger) (*Mixer, error) {
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listenAddress, err)
	}

	mixer := newMixer(config, logger)
	server := httptest.NewUnstartedServer(http.HandlerFunc(mixer.handleWebsocket))
	server.Listener.Close()
	server.Listener = listener
	server.Start()
	mixer.server = server
	mixer.logger.Debug("mixer double listening", "url", mixer.server.URL)
	return mixer, nil
}

func newMixer(config Config, logger *slog.Logger) *Mixer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mixer{
		logger:       logger,
		config:       config,
		clients:      make(map[string]*mixerClient),
		inputs:       make(map[string][][]byte),
		audioPackets: make(map[string]int),
		tokens:       make(map[string]string),
		visitHashes:  make(map[string]string),
	}
}

// URL returns the server's base address. It is an http URL; signaling
// clients normalize it to ws themselves.
func (mixer *Mixer) URL() string {
	return mixer.server.URL
}

// Close drops every connected client and stops the listener.
func (mixer *Mixer) Close() {
	mixer.mutex.Lock()
	if mixer.closed {
		mixer.mutex.Unlock()
		return
	}
	mixer.closed = true
	clients := make([]*mixerClient, 0, len(mixer.clients))
	for _, client := range mixer.clients {
		clients = append(clients, client)
	}
	mixer.mutex.Unlock()

	for _, client := range clients {
		client.close()
	}
	mixer.server.Close()
}

// --------------------------------------------------------------------------------
// Scripting and records

// SetFailInitReason makes later init commands fail with the given reason.
// An empty reason restores the default success response.
func (mixer *Mixer) SetFailInitReason(reason string) {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	mixer.failInitReason = reason
}

func (mixer *Mixer) initFailureReason() string {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return mixer.failInitReason
}

// ClientIDs lists the peer ids of the currently connected clients.
func (mixer *Mixer) ClientIDs() []string {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	ids := make([]string, 0, len(mixer.clients))
	for id := range mixer.clients {
		ids = append(ids, id)
	}
	return ids
}

func (mixer *Mixer) ClientCount() int {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return len(mixer.clients)
}

// ClientReady reports whether both data channels to the given client are
// open on the mixer's side, meaning frames can be pushed to it.
func (mixer *Mixer) ClientReady(clientID string) bool {
	client := mixer.client(clientID)
	return client != nil && client.ready()
}

// Commands returns every command envelope received so far, oldest first.
func (mixer *Mixer) Commands() []ReceivedCommand {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return append([]ReceivedCommand(nil), mixer.commands...)
}

// InputPayloads returns the raw input-channel payloads received from one
// client, oldest first. Records survive the client disconnecting.
func (mixer *Mixer) InputPayloads(clientID string) [][]byte {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	payloads := make([][]byte, len(mixer.inputs[clientID]))
	copy(payloads, mixer.inputs[clientID])
	return payloads
}

// AudioPacketCount reports how many RTP packets have arrived on the
// client's audio track.
func (mixer *Mixer) AudioPacketCount(clientID string) int {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return mixer.audioPackets[clientID]
}

// Token returns the token query parameter the client logged in with.
func (mixer *Mixer) Token(clientID string) string {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return mixer.tokens[clientID]
}

// --------------------------------------------------------------------------------
// Pushing traffic to clients

// PushFrame streams a bulk peer-state frame to the client on the input
// channel, the way the production service does, gzip compressed when
// compress is set.
func (mixer *Mixer) PushFrame(clientID string, frame []byte, compress bool) error {
	client := mixer.client(clientID)
	if client == nil {
		return fmt.Errorf("no connected client %q", clientID)
	}

	data := frame
	if compress {
		var buffer bytes.Buffer
		writer := gzip.NewWriter(&buffer)
		if _, err := writer.Write(frame); err != nil {
			return fmt.Errorf("compressing frame: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("compressing frame: %w", err)
		}
		data = buffer.Bytes()
	}
	return client.sendBinary(data)
}

// SendCommandTo sends a {"c","p"} envelope to the client on its command
// channel, for driving unsolicited server-to-client commands.
func (mixer *Mixer) SendCommandTo(clientID string, name string, payload any) error {
	client := mixer.client(clientID)
	if client == nil {
		return fmt.Errorf("no connected client %q", clientID)
	}
	return client.sendCommand(name, payload)
}

// WriteAudioFrame writes one μ-law frame onto the mixer's outgoing audio
// track for the client.
func (mixer *Mixer) WriteAudioFrame(clientID string, frame []byte) error {
	client := mixer.client(clientID)
	if client == nil {
		return fmt.Errorf("no connected client %q", clientID)
	}
	return client.writeAudioFrame(frame)
}

// --------------------------------------------------------------------------------
// Websocket handling

// handleWebsocket runs one client's whole signaling life on the handler
// goroutine: upgrade, login, admission, negotiation, then the read pump
// until the socket dies.
func (mixer *Mixer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := mixer.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mixer.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var login struct {
		Request string `json:"request"`
	}
	if err := conn.ReadJSON(&login); err != nil || login.Request == "" {
		mixer.logger.Debug("bad login frame", "err", err)
		return
	}
	token := r.URL.Query().Get("token")

	if reason := mixer.admit(login.Request, token); reason != "" {
		mixer.logger.Debug(
			"refusing client",
			"client id", login.Request,
			"reason", reason,
		)
		conn.WriteJSON(map[string]any{
			login.Request: signalEnvelope{Error: reason},
		})
		return
	}

	client, err := mixer.startClient(conn, login.Request)
	if err != nil {
		mixer.logger.Error(
			"error while setting up client peer connection",
			"client id", login.Request,
			"err", err,
		)
		mixer.removeClient(login.Request)
		return
	}
	defer mixer.removeClient(client.id)

	client.readPump()
}

// admit registers the client if there is room for it and its token checks
// out, returning the refusal reason otherwise.
func (mixer *Mixer) admit(clientID string, token string) string {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()

	if mixer.closed {
		return ravi.ServiceUnavailable
	}
	if mixer.config.Capacity > 0 && len(mixer.clients) >= mixer.config.Capacity {
		return ravi.ServiceUnavailable
	}
	if mixer.config.RequireToken != "" && token != mixer.config.RequireToken {
		return "invalid-token"
	}

	// Reserve the slot before negotiation so capacity counts clients that
	// are still connecting.
	mixer.clients[clientID] = nil
	mixer.tokens[clientID] = token
	mixer.visitCounter++
	if mixer.config.VisitIDHash != "" {
		mixer.visitHashes[clientID] = mixer.config.VisitIDHash
	} else {
		mixer.visitHashes[clientID] = fmt.Sprintf("visit-%d", mixer.visitCounter)
	}
	return ""
}

// VisitIDHash returns the hash assigned to the client at login, the one
// its init response carries.
func (mixer *Mixer) VisitIDHash(clientID string) string {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return mixer.visitHashes[clientID]
}

func (mixer *Mixer) client(clientID string) *mixerClient {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	return mixer.clients[clientID]
}

func (mixer *Mixer) removeClient(clientID string) {
	mixer.mutex.Lock()
	client := mixer.clients[clientID]
	delete(mixer.clients, clientID)
	mixer.mutex.Unlock()

	if client != nil {
		client.close()
	}
}

func (mixer *Mixer) recordCommand(clientID string, name string, payload json.RawMessage) {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	mixer.commands = append(mixer.commands, ReceivedCommand{
		ClientID: clientID,
		Name:     name,
		Payload:  append(json.RawMessage(nil), payload...),
	})
}

func (mixer *Mixer) recordInput(clientID string, payload []byte) {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	mixer.inputs[clientID] = append(mixer.inputs[clientID], append([]byte(nil), payload...))
}

func (mixer *Mixer) recordAudioPacket(clientID string) {
	mixer.mutex.Lock()
	defer mixer.mutex.Unlock()
	mixer.audioPackets[clientID]++
}

var errChannelNotOpen = errors.New("data channel not open")
