package relay

// BackendEvent is one event produced by the AI backend session. It is a
// closed union: the relay acts on audio and tool calls and skips anything
// else, so new backend event kinds can be added without breaking sessions.
type BackendEvent interface {
	backendEvent()
}

// AudioEvent carries one chunk of synthesized audio to forward to the
// telephony leg.
type AudioEvent struct {
	Data []byte
}

func (AudioEvent) backendEvent() {}

// ToolCallEvent is a request from the AI to perform a named side effect.
// Tool names the relay does not recognize are ignored.
type ToolCallEvent struct {
	Name string
	Args map[string]any
}

func (ToolCallEvent) backendEvent() {}

// ToolTransferToHuman is the one tool this bridge acts on: redirect the
// call to a human agent.
const ToolTransferToHuman = "transfer_to_human"
