package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// ProtocolVersion is the session handshake version.
const ProtocolVersion = 1

type AckStatus string

const (
	AckPending  AckStatus = "pending"
	AckAccepted AckStatus = "accepted"
)

// Bye reasons.
const (
	ReasonDenied     = "denied"
	ReasonTimeout    = "authorization_timeout"
	ReasonDuplicate  = "duplicate"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
	ReasonProtocol   = "protocol_error"
	ReasonSuperseded = "superseded"
)

// Credential is what a peer proves possession of during the hello exchange.
type Credential struct {
	PublicKey []byte `json:"public_key"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// Fingerprint is a short, stable rendering of a public key.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// SigningPayload binds a signature to one connection and the challenge
// nonce.
func SigningPayload(connID string, nonce []byte) []byte {
	out := make([]byte, 0, len(connID)+1+len(nonce))
	out = append(out, connID...)
	out = append(out, 0)
	return append(out, nonce...)
}

type Hello struct {
	Protocol   int        `json:"protocol"`
	Name       string     `json:"name"`
	Credential Credential `json:"credential"`
}

// HelloAck answers a hello. The acceptor signs the initiator's nonce.
type HelloAck struct {
	Status     AckStatus  `json:"status"`
	Name       string     `json:"name"`
	Credential Credential `json:"credential"`
}

type Bye struct {
	Reason string `json:"reason"`
}
