package connection

import "fmt"

// State is the lifecycle state of the controller's current connection.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateConnectRequested
	StateQueuePairReady
	StateMemoryRegistered
	StateAccepted
	StateEstablished
	StateMessageLoop
	StateDisconnecting
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:             "IDLE",
	StateListening:        "LISTENING",
	StateConnectRequested: "CONNECT_REQUESTED",
	StateQueuePairReady:   "QUEUE_PAIR_READY",
	StateMemoryRegistered: "MEMORY_REGISTERED",
	StateAccepted:         "ACCEPTED",
	StateEstablished:      "ESTABLISHED",
	StateMessageLoop:      "MESSAGE_LOOP",
	StateDisconnecting:    "DISCONNECTING",
	StateTerminated:       "TERMINATED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
