package ravi

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CommandHandler receives the decoded "p" payload of one command envelope.
// Handlers run on the transport's receive goroutine and must not block.
type CommandHandler func(payload json.RawMessage)

// commandEnvelope is the {"c","p"} wire shape spoken on the command channel.
type commandEnvelope struct {
	Command string          `json:"c"`
	Payload json.RawMessage `json:"p"`
}

// CommandController multiplexes the two data channels of a session: named
// request/response commands on the reliable command channel, and raw state
// payloads on the unreliable input channel.
//
// Inbound command-channel traffic that is not a dispatchable command
// envelope is not an error. Bulk peer-state frames ride the command channel
// in some deployments, so anything unparseable or unregistered is handed to
// the binary handler as-is, at debug log level only.
type CommandController struct {
	logger *slog.Logger

	mutex          sync.Mutex
	handlers       map[string]CommandHandler
	binaryHandler  func(data []byte)
	commandChannel *webrtc.DataChannel
	inputChannel   *webrtc.DataChannel
}

func NewCommandController(logger *slog.Logger) *CommandController {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandController{
		logger:   logger,
		handlers: make(map[string]CommandHandler),
	}
}

// AddCommandHandler registers the handler for a command name. Each name has
// exactly one handler; registering a name again replaces the earlier one.
func (controller *CommandController) AddCommandHandler(name string, handler CommandHandler) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	controller.handlers[name] = handler
}

func (controller *CommandController) RemoveCommandHandler(name string) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	delete(controller.handlers, name)
}

// SetBinaryHandler installs the fallback sink: inbound binary messages and
// any command-channel text that does not dispatch to a named handler.
func (controller *CommandController) SetBinaryHandler(handler func(data []byte)) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	controller.binaryHandler = handler
}

// Bind attaches the controller to the transport's channels. The session
// calls this once both channels are open; messages arriving before Bind are
// not buffered.
func (controller *CommandController) Bind(transport *PeerTransport) {
	command := transport.CommandChannel()
	input := transport.InputChannel()

	controller.mutex.Lock()
	controller.commandChannel = command
	controller.inputChannel = input
	controller.mutex.Unlock()

	if command != nil {
		command.OnMessage(controller.dispatch)
	}
	if input != nil {
		// The service streams peer-state frames back on the input channel;
		// they carry no command envelope.
		input.OnMessage(func(message webrtc.DataChannelMessage) {
			controller.handleBinary(message.Data)
		})
	}
}

// Unbind forgets the bound channels. Later sends fail with a false return.
func (controller *CommandController) Unbind() {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	controller.commandChannel = nil
	controller.inputChannel = nil
}

// SendCommand marshals {"c": name, "p": payload} and sends it as text on the
// command channel. The result reports whether the message was handed to the
// transport; delivery is not acknowledged at this layer.
func (controller *CommandController) SendCommand(name string, payload any) bool {
	controller.mutex.Lock()
	channel := controller.commandChannel
	controller.mutex.Unlock()

	if channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		controller.logger.Debug("command channel not open", "command", name)
		return false
	}

	envelope, err := json.Marshal(struct {
		Command string `json:"c"`
		Payload any    `json:"p"`
	}{Command: name, Payload: payload})
	if err != nil {
		controller.logger.Error("error while marshalling command", "command", name, "err", err)
		return false
	}

	if err := channel.SendText(string(envelope)); err != nil {
		controller.logger.Debug("error while sending command", "command", name, "err", err)
		return false
	}
	return true
}

// SendInput sends raw bytes on the unreliable input channel. Losing one of
// these is fine: the next update supersedes it.
func (controller *CommandController) SendInput(data []byte) bool {
	controller.mutex.Lock()
	channel := controller.inputChannel
	controller.mutex.Unlock()

	if channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	if err := channel.Send(data); err != nil {
		controller.logger.Debug("error while sending input payload", "err", err)
		return false
	}
	return true
}

func (controller *CommandController) dispatch(message webrtc.DataChannelMessage) {
	if !message.IsString {
		controller.handleBinary(message.Data)
		return
	}

	var envelope commandEnvelope
	if err := json.Unmarshal(message.Data, &envelope); err != nil || envelope.Command == "" {
		controller.handleBinary(message.Data)
		return
	}

	controller.mutex.Lock()
	handler := controller.handlers[envelope.Command]
	controller.mutex.Unlock()

	if handler == nil {
		controller.logger.Debug("no handler registered for command", "command", envelope.Command)
		controller.handleBinary(message.Data)
		return
	}
	handler(envelope.Payload)
}

func (controller *CommandController) handleBinary(data []byte) {
	controller.mutex.Lock()
	handler := controller.binaryHandler
	controller.mutex.Unlock()

	if handler == nil {
		controller.logger.Debug("dropping payload, no binary handler bound", "bytes", len(data))
		return
	}
	handler(data)
}
