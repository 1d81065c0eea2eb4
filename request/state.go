package request

// State is a request lifecycle state. States only ever advance.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateAudioActivated
	StateTransmitting
	StateSuccessful
	StateFailed
	StateCanceled
	StateCompleted
)

var stateNames = [...]string{
	StateCreated:        "created",
	StateInitialized:    "initialized",
	StateAudioActivated: "audio_activated",
	StateTransmitting:   "transmitting",
	StateSuccessful:     "successful",
	StateFailed:         "failed",
	StateCanceled:       "canceled",
	StateCompleted:      "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s is an outcome state or Completed.
func (s State) Terminal() bool { return s >= StateSuccessful }

// StateChange is published on every transition.
type StateChange struct {
	From, To State
}

// Kind is the request input.
type Kind int

const (
	KindText Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "text"
}
