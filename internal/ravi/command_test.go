package ravi

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textMessage(payload string) webrtc.DataChannelMessage {
	return webrtc.DataChannelMessage{IsString: true, Data: []byte(payload)}
}

// TestCommandController_DispatchRoutesByName checks that a well-formed
// envelope reaches the handler registered for its command, and nothing else.
func TestCommandController_DispatchRoutesByName(t *testing.T) {
	controller := NewCommandController(quietLogger())

	var initPayload json.RawMessage
	controller.AddCommandHandler("audionet.init", func(payload json.RawMessage) {
		initPayload = payload
	})
	controller.AddCommandHandler("audionet.other", func(json.RawMessage) {
		t.Error("unrelated handler invoked")
	})

	var fallback [][]byte
	controller.SetBinaryHandler(func(data []byte) { fallback = append(fallback, data) })

	controller.dispatch(textMessage(`{"c":"audionet.init","p":{"success":true}}`))

	if string(initPayload) != `{"success":true}` {
		t.Errorf("handler payload = %q", initPayload)
	}
	if len(fallback) != 0 {
		t.Errorf("binary handler invoked for a dispatched command: %q", fallback)
	}
}

// TestCommandController_FallbackPaths verifies the three inputs that must
// reach the binary handler: binary messages, unparseable text, and envelopes
// whose command has no registered handler.
func TestCommandController_FallbackPaths(t *testing.T) {
	controller := NewCommandController(quietLogger())

	var fallback [][]byte
	controller.SetBinaryHandler(func(data []byte) { fallback = append(fallback, data) })
	controller.AddCommandHandler("known", func(json.RawMessage) {
		t.Error("handler invoked for traffic that should fall through")
	})

	controller.dispatch(webrtc.DataChannelMessage{Data: []byte{0x1f, 0x8b, 0x01}})
	controller.dispatch(textMessage(`{"peers":{"2":{"x":500}}}`))
	controller.dispatch(textMessage(`not json at all`))
	controller.dispatch(textMessage(`{"c":"unknown","p":{}}`))

	if len(fallback) != 4 {
		t.Fatalf("binary handler saw %d payloads, want 4", len(fallback))
	}
	if string(fallback[1]) != `{"peers":{"2":{"x":500}}}` {
		t.Errorf("fallback payload altered: %q", fallback[1])
	}
}

// TestCommandController_LastRegistrationWins verifies that re-registering a
// command name replaces the earlier handler, and that removal restores the
// fallback path.
func TestCommandController_LastRegistrationWins(t *testing.T) {
	controller := NewCommandController(quietLogger())

	calls := make([]string, 0, 4)
	controller.AddCommandHandler("cmd", func(json.RawMessage) { calls = append(calls, "first") })
	controller.AddCommandHandler("cmd", func(json.RawMessage) { calls = append(calls, "second") })
	controller.SetBinaryHandler(func([]byte) { calls = append(calls, "binary") })

	controller.dispatch(textMessage(`{"c":"cmd","p":null}`))
	controller.RemoveCommandHandler("cmd")
	controller.dispatch(textMessage(`{"c":"cmd","p":null}`))

	if len(calls) != 2 || calls[0] != "second" || calls[1] != "binary" {
		t.Errorf("dispatch sequence = %v, want [second binary]", calls)
	}
}

// TestCommandController_SendWithoutChannels verifies the failure contract:
// sends on an unbound controller report false rather than panicking.
func TestCommandController_SendWithoutChannels(t *testing.T) {
	controller := NewCommandController(quietLogger())

	if controller.SendCommand("audionet.init", map[string]bool{"primary": true}) {
		t.Error("SendCommand succeeded with no command channel")
	}
	if controller.SendInput([]byte(`{"x":1000}`)) {
		t.Error("SendInput succeeded with no input channel")
	}
}

// TestCommandController_NoBinaryHandler checks that fallback traffic without
// a bound binary handler is dropped quietly.
func TestCommandController_NoBinaryHandler(t *testing.T) {
	controller := NewCommandController(quietLogger())
	controller.dispatch(textMessage(`{"peers":{}}`))
	controller.dispatch(webrtc.DataChannelMessage{Data: []byte{0x00}})
}
