package ravi_test

// Temporary diagnostic for the loopback timeout; not part of the suite.

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/arpeggio-labs/spatialvoice/internal/mixertest"
	"github.com/arpeggio-labs/spatialvoice/internal/ravi"
)

func TestDiagLoopback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mixer := mixertest.NewMixer(mixertest.Config{
		VisitIDHash:  "hash-loopback",
		RequireToken: "secret",
	}, logger)
	defer mixer.Close()

	states := make(chan ravi.SessionState, 32)
	session, err := ravi.NewSession(
		ravi.SessionConfig{
			ConnectTimeout:  10 * time.Second,
			IncludeLoopback: true,
		},
		func(state ravi.SessionState) { states <- state },
		logger,
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Close)

	signalingURL, err := ravi.NormalizeSignalingURL(mixer.URL(), "secret")
	if err != nil {
		t.Fatalf("normalizing mixer URL: %v", err)
	}
	if err := session.Connect(signalingURL); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case state := <-states:
			t.Logf("session state: %s", state)
			if state == ravi.SessionBothChannelsOpen {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for BothChannelsOpen")
		}
	}
}
