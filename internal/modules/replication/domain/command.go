package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrProtocol           = errors.New("protocol error")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrGapUnresolvable    = errors.New("log gap unresolvable")
	ErrReplicationStalled = errors.New("replication stalled")
)

// Command is one immutable, origin-sequenced mutation.
type Command struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
	Clock  HLC    `json:"clock"`
	Kind   string `json:"kind"`
	// Entity keys the collection object the command mutates. Tombstone marks
	// a command that ends the entity's history; everything older for the
	// same entity becomes compactable.
	Entity    string          `json:"entity"`
	Tombstone bool            `json:"tombstone,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"`
}

// Mutation is what a local caller submits; the engine turns it into a
// Command.
type Mutation struct {
	Kind      string
	Entity    string
	Tombstone bool
	Payload   any
}

// Ref addresses a command position.
type Ref struct {
	Origin string
	Seq    uint64
}

func (r Ref) String() string {
	return r.Origin + "#" + strconv.FormatUint(r.Seq, 10)
}

func NewCommand(origin string, seq uint64, clock HLC, m Mutation) (Command, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s payload: %w", m.Kind, err)
	}
	cmd := Command{
		Origin:    origin,
		Seq:       seq,
		Clock:     clock,
		Kind:      m.Kind,
		Entity:    m.Entity,
		Tombstone: m.Tombstone,
		Payload:   payload,
	}
	if err := cmd.validateFields(); err != nil {
		return Command{}, err
	}
	sum, err := cmd.ComputeChecksum()
	if err != nil {
		return Command{}, err
	}
	cmd.Checksum = sum
	return cmd, nil
}

func (c Command) Ref() Ref {
	return Ref{Origin: c.Origin, Seq: c.Seq}
}

func (c Command) validateFields() error {
	switch {
	case strings.TrimSpace(c.Origin) == "":
		return fmt.Errorf("%w: origin is required", ErrInvalidCommand)
	case c.Seq == 0:
		return fmt.Errorf("%w: seq starts at 1", ErrInvalidCommand)
	case strings.TrimSpace(c.Kind) == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidCommand)
	case strings.TrimSpace(c.Entity) == "":
		return fmt.Errorf("%w: entity is required", ErrInvalidCommand)
	case len(c.Payload) == 0:
		return fmt.Errorf("%w: payload is required", ErrInvalidCommand)
	}
	return nil
}

// ComputeChecksum hashes every field except the checksum itself. The
// payload is compacted first so re-encoding in transit does not change it.
func (c Command) ComputeChecksum() (string, error) {
	payload := bytes.Buffer{}
	if err := json.Compact(&payload, c.Payload); err != nil {
		return "", fmt.Errorf("%w: payload is not json: %v", ErrInvalidCommand, err)
	}
	h := sha256.New()
	for _, part := range []string{
		c.Origin,
		strconv.FormatUint(c.Seq, 10),
		c.Clock.String(),
		c.Kind,
		c.Entity,
		strconv.FormatBool(c.Tombstone),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(payload.Bytes())
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks structure and checksum of a received command. A mismatch is
// a protocol error for the connection that delivered it.
func (c Command) Verify() error {
	if err := c.validateFields(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	sum, err := c.ComputeChecksum()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if sum != c.Checksum {
		return fmt.Errorf("%w: checksum mismatch for %s", ErrProtocol, c.Ref())
	}
	return nil
}

// Decode unmarshals the payload into out.
func (c Command) Decode(out any) error {
	if err := json.Unmarshal(c.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload for %s: %w", c.Kind, c.Ref(), err)
	}
	return nil
}
