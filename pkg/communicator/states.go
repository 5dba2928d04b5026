package communicator

import (
	"fmt"
	"time"
)

// ConnectionState is the communicator-level connection state, the one
// applications observe. Session-internal states are not exposed here.
type ConnectionState int

const (
	// Disconnected is the initial state and the terminal state of a clean
	// shutdown.
	Disconnected ConnectionState = iota

	// Connecting covers the whole first-connection cycle, including the
	// waits between attempts when AutoRetryConnection is set.
	Connecting

	// Connected means the init handshake succeeded and user data flows.
	Connected

	// Reconnecting covers the recovery cycle after an established
	// connection dropped, when AutoReconnect is set.
	Reconnecting

	// Disconnecting is a locally requested shutdown waiting for the
	// session to confirm closure.
	Disconnecting

	// Failed is the terminal state of an unsuccessful connection cycle.
	// A later Connect folds it back to Disconnected.
	Failed

	// Unavailable reports a capacity refusal from the service. It is
	// observed on the way to a retry cycle or to Failed.
	Unavailable
)

func (state ConnectionState) String() string {
	switch state {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Disconnecting:
		return "Disconnecting"
	case Failed:
		return "Failed"
	case Unavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(state))
	}
}

// UserDataStreamingScope selects which of the local user's data the service
// may stream onward to other participants.
type UserDataStreamingScope int

const (
	// StreamingScopeAll streams user data to peers and service-side
	// consumers. This is the default.
	StreamingScopeAll UserDataStreamingScope = iota

	// StreamingScopeNone keeps user data on the service only.
	StreamingScopeNone

	// StreamingScopePeers streams user data to connected peers only.
	StreamingScopePeers
)

func (scope UserDataStreamingScope) String() string {
	switch scope {
	case StreamingScopeNone:
		return "none"
	case StreamingScopePeers:
		return "peers"
	default:
		return "all"
	}
}

// ParseStreamingScope maps the wire names back to scopes, for reading the
// scope out of configuration files.
func ParseStreamingScope(name string) (UserDataStreamingScope, error) {
	switch name {
	case "", "all":
		return StreamingScopeAll, nil
	case "none":
		return StreamingScopeNone, nil
	case "peers":
		return StreamingScopePeers, nil
	default:
		return StreamingScopeAll, fmt.Errorf("unknown streaming scope %q", name)
	}
}

// Defaults applied by Config.withDefaults for unset fields.
const (
	DefaultRetryConnectionTimeout = 15 * time.Second
	DefaultReconnectionTimeout    = 60 * time.Second
	DefaultConnectionDelay        = 500 * time.Millisecond
	DefaultConnectionTimeout      = 5 * time.Second
	DefaultUserDataUpdatePeriod   = 50 * time.Millisecond

	minUserDataUpdatePeriod = 20 * time.Millisecond
	maxUserDataUpdatePeriod = 5 * time.Second

	// minimumConnectBudget floors the overall first-connection deadline,
	// so a short RetryConnectionTimeout cannot cut off attempt number one.
	minimumConnectBudget = 5 * time.Second
)

// Config controls connection behavior. The zero value is usable: no
// automatic retries, five second attempts, updates at most every fifty
// milliseconds, full streaming scope.
type Config struct {
	// AutoRetryConnection keeps starting fresh attempts while establishing
	// the first connection, until RetryConnectionTimeout runs out. Without
	// it a single failed attempt is terminal.
	AutoRetryConnection    bool
	RetryConnectionTimeout time.Duration

	// AutoReconnect rebuilds the session when an established connection
	// drops, giving up ReconnectionTimeout after the drop.
	AutoReconnect       bool
	ReconnectionTimeout time.Duration

	// ConnectionDelay is the pause between attempts. ConnectionTimeout is
	// the budget of one attempt, from session creation to the service
	// accepting the init command.
	ConnectionDelay   time.Duration
	ConnectionTimeout time.Duration

	// UserDataUpdatePeriod rate-limits outgoing user data. Values are
	// clamped to [20ms, 5s].
	UserDataUpdatePeriod time.Duration

	// StreamingScope is sent with the init command.
	StreamingScope UserDataStreamingScope

	// InputAudioStereo declares the local capture track stereo, letting
	// the service keep both channels.
	InputAudioStereo bool

	// ICEServers lists STUN/TURN URLs for the peer transport.
	ICEServers []string

	// IncludeLoopback admits loopback ICE candidates, for connecting to a
	// mixing service on the same machine.
	IncludeLoopback bool
}

func (config Config) withDefaults() Config {
	if config.RetryConnectionTimeout <= 0 {
		config.RetryConnectionTimeout = DefaultRetryConnectionTimeout
	}
	if config.ReconnectionTimeout <= 0 {
		config.ReconnectionTimeout = DefaultReconnectionTimeout
	}
	if config.ConnectionDelay <= 0 {
		config.ConnectionDelay = DefaultConnectionDelay
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = DefaultConnectionTimeout
	}
	if config.UserDataUpdatePeriod <= 0 {
		config.UserDataUpdatePeriod = DefaultUserDataUpdatePeriod
	}
	if config.UserDataUpdatePeriod < minUserDataUpdatePeriod {
		config.UserDataUpdatePeriod = minUserDataUpdatePeriod
	}
	if config.UserDataUpdatePeriod > maxUserDataUpdatePeriod {
		config.UserDataUpdatePeriod = maxUserDataUpdatePeriod
	}
	return config
}
