package mediastream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeStart(t *testing.T) {
	frame := []byte(`{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","callSid":"CA1234","streamSid":"MZ5678","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ5678"}`)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if msg.Event != EventStart {
		t.Errorf("event = %q, want start", msg.Event)
	}
	// Identifiers must be captured verbatim
	if msg.CallSid != "CA1234" {
		t.Errorf("callSid = %q, want CA1234", msg.CallSid)
	}
	if msg.StreamSid != "MZ5678" {
		t.Errorf("streamSid = %q, want MZ5678", msg.StreamSid)
	}
}

func TestDecodeMedia(t *testing.T) {
	audio := []byte{0x01, 0x02, 0x03, 0xff}
	frame := []byte(`{"event":"media","media":{"track":"inbound","chunk":"2","timestamp":"5","payload":"` +
		base64.StdEncoding.EncodeToString(audio) + `"}}`)

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode media: %v", err)
	}
	if msg.Event != EventMedia {
		t.Errorf("event = %q, want media", msg.Event)
	}
	if !bytes.Equal(msg.Audio, audio) {
		t.Errorf("audio = %v, want %v", msg.Audio, audio)
	}
}

func TestDecodeStop(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"stop","stop":{"callSid":"CA1234"}}`))
	if err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if msg.Event != EventStop {
		t.Errorf("event = %q, want stop", msg.Event)
	}
}

func TestDecodeIgnorableKinds(t *testing.T) {
	// Frames the bridge doesn't act on still decode cleanly.
	for _, frame := range []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"done"}}`,
		`{"event":"dtmf","streamSid":"MZ1","dtmf":{"digit":"5"}}`,
	} {
		msg, err := Decode([]byte(frame))
		if err != nil {
			t.Errorf("decode %s: %v", frame, err)
		}
		if msg.Event == "" {
			t.Errorf("decode %s: empty event kind", frame)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `not json at all`},
		{"missing event", `{"streamSid":"MZ1"}`},
		{"start without payload", `{"event":"start"}`},
		{"start without sids", `{"event":"start","start":{"accountSid":"AC1"}}`},
		{"media without payload", `{"event":"media"}`},
		{"media bad base64", `{"event":"media","media":{"payload":"!!not-base64!!"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.frame)); !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Decode(%s) err = %v, want ErrMalformedEnvelope", tc.frame, err)
			}
		})
	}
}

func TestEncodeMedia(t *testing.T) {
	audio := []byte("raw pcm bytes")
	frame, err := EncodeMedia("MZ5678", audio)
	if err != nil {
		t.Fatalf("encode media: %v", err)
	}

	var env struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal encoded frame: %v", err)
	}
	if env.Event != "media" || env.StreamSid != "MZ5678" {
		t.Errorf("envelope = %+v, want media frame for MZ5678", env)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	if !bytes.Equal(decoded, audio) {
		t.Errorf("payload = %v, want %v", decoded, audio)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		[]byte("silence"),
		bytes.Repeat([]byte{0x7f, 0x80}, 160), // one 8kHz 20ms frame
	}

	for _, p := range payloads {
		frame, err := EncodeMedia("MZ1", p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		msg, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(msg.Audio, p) {
			t.Errorf("round trip = %v, want %v", msg.Audio, p)
		}
	}
}

func TestEncodeRequiresStreamSid(t *testing.T) {
	if _, err := EncodeMedia("", []byte("x")); err == nil {
		t.Error("EncodeMedia with empty streamSid should fail")
	}
	if _, err := EncodeClear(""); err == nil {
		t.Error("EncodeClear with empty streamSid should fail")
	}
}

func TestEncodeClear(t *testing.T) {
	frame, err := EncodeClear("MZ5678")
	if err != nil {
		t.Fatalf("encode clear: %v", err)
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode clear frame: %v", err)
	}
	if msg.Event != EventClear {
		t.Errorf("event = %q, want clear", msg.Event)
	}
}
