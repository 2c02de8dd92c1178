// Package mediastream implements the Twilio Media Streams wire format:
// text-framed JSON envelopes carrying base64-encoded PCM audio at 8kHz.
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds carried in the envelope's "event" field.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// ErrMalformedEnvelope is returned when an inbound frame is not valid JSON
// or lacks the fields required for its declared event kind.
var ErrMalformedEnvelope = errors.New("mediastream: malformed envelope")

// envelope is the wire representation of one Media Streams frame.
type envelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	CallSid     string      `json:"callSid"`
	StreamSid   string      `json:"streamSid"`
	AccountSid  string      `json:"accountSid,omitempty"`
	MediaFormat mediaFormat `json:"mediaFormat,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopPayload struct {
	CallSid string `json:"callSid,omitempty"`
}

// Message is one decoded telephony frame. CallSid is set for start events,
// StreamSid wherever the frame carries one, and Audio holds the decoded
// payload for media events. Kinds this bridge does not act on (connected,
// mark, unrecognized) decode to a Message with only Event set so callers can
// skip them without failing.
type Message struct {
	Event     string
	CallSid   string
	StreamSid string
	Audio     []byte
}

// Decode parses one inbound frame. It fails with ErrMalformedEnvelope when
// the frame is not well-formed JSON, has no event kind, or is missing the
// payload required for its kind.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Event == "" {
		return Message{}, fmt.Errorf("%w: missing event field", ErrMalformedEnvelope)
	}

	msg := Message{Event: env.Event, StreamSid: env.StreamSid}
	switch env.Event {
	case EventStart:
		if env.Start == nil || env.Start.CallSid == "" || env.Start.StreamSid == "" {
			return Message{}, fmt.Errorf("%w: start event missing identifiers", ErrMalformedEnvelope)
		}
		msg.CallSid = env.Start.CallSid
		msg.StreamSid = env.Start.StreamSid

	case EventMedia:
		if env.Media == nil {
			return Message{}, fmt.Errorf("%w: media event missing media payload", ErrMalformedEnvelope)
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("%w: media payload is not valid base64: %v", ErrMalformedEnvelope, err)
		}
		msg.Audio = audio
	}

	return msg, nil
}

// EncodeMedia builds the outbound media frame for synthesized audio.
func EncodeMedia(streamSid string, audio []byte) ([]byte, error) {
	if streamSid == "" {
		return nil, fmt.Errorf("mediastream: encode media: empty streamSid")
	}
	return json.Marshal(envelope{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// EncodeClear builds the clear frame that tells the telephony leg to drop
// any buffered but unplayed audio. Sent before redirecting a call so the
// caller doesn't hear stale AI speech over the hold notice.
func EncodeClear(streamSid string) ([]byte, error) {
	if streamSid == "" {
		return nil, fmt.Errorf("mediastream: encode clear: empty streamSid")
	}
	return json.Marshal(envelope{Event: EventClear, StreamSid: streamSid})
}
