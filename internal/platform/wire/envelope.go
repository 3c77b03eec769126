// Package wire frames every message exchanged between peers, independent of
// the transport that carries it.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = 1

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 4 << 20

var ErrMalformed = errors.New("malformed frame")

type Kind string

const (
	KindHello          Kind = "hello"
	KindHelloAck       Kind = "hello_ack"
	KindBye            Kind = "bye"
	KindHandshake      Kind = "handshake"
	KindCommand        Kind = "command"
	KindGapFillRequest Kind = "gap_fill_request"
	KindGapUnavailable Kind = "gap_unavailable"
	KindAck            Kind = "ack"
)

// Known reports whether k is understood by this build. Unknown kinds are
// ignored by receivers so newer peers can add messages.
func (k Kind) Known() bool {
	switch k {
	case KindHello, KindHelloAck, KindBye, KindHandshake, KindCommand, KindGapFillRequest, KindGapUnavailable, KindAck:
		return true
	default:
		return false
	}
}

// Session kinds are handled by the session manager itself; everything else
// belongs to replication.
func (k Kind) Session() bool {
	return k == KindHello || k == KindHelloAck || k == KindBye
}

type Envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	Conn string          `json:"conn"`
	Body json.RawMessage `json:"body,omitempty"`
}

// New encodes body into an envelope for connection conn.
func New(kind Kind, conn string, body any) (Envelope, error) {
	env := Envelope{V: Version, Kind: kind, Conn: conn}
	if body == nil {
		return env, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	env.Body = raw
	return env, nil
}

// Decode reads the envelope body into out.
func (e Envelope) Decode(out any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: %s has no body", ErrMalformed, e.Kind)
	}
	dec := json.NewDecoder(bytes.NewReader(e.Body))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, e.Kind, err)
	}
	return nil
}

func Marshal(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("envelope %s exceeds %d bytes", e.Kind, MaxFrameSize)
	}
	return raw, nil
}

// Unmarshal parses a frame. A frame that is not valid JSON, carries no kind or
// no connection id, or exceeds MaxFrameSize is malformed.
func Unmarshal(frame []byte) (Envelope, error) {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: size %d", ErrMalformed, len(frame))
	}
	env := Envelope{}
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" || env.Conn == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind or conn", ErrMalformed)
	}
	if env.V <= 0 {
		return Envelope{}, fmt.Errorf("%w: version %d", ErrMalformed, env.V)
	}
	return env, nil
}
