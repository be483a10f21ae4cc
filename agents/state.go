package agents

import "fmt"

// State is the conversation state shown to the child. Exactly one holds at
// any time.
type State int32

const (
	StateIdle State = iota
	StateMuted
	StateListening
	StateThinking
	StateSpeaking
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateMuted:     "muted",
	StateListening: "listening",
	StateThinking:  "thinking",
	StateSpeaking:  "speaking",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Conversing reports whether a session is open in this state.
func (s State) Conversing() bool {
	return s != StateIdle
}

type phase int32

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseConnected
)
