// Package protocol defines the versioned JSON envelope exchanged over the
// mining WebSocket: a discriminant "type" field dispatches to one of a
// fixed set of client and server message shapes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version this coordinator speaks.
const Version = 1

// Client-to-server message type discriminants.
const (
	TypeHello  = "hello"
	TypeSubmit = "submit"
	TypeShare  = "share"
	TypePing   = "ping"
)

// Server-to-client message type discriminants.
const (
	TypeStats        = "stats"
	TypeJob          = "job"
	TypeSubmitResult = "submit_result"
	TypeError        = "error"
	TypePong         = "pong"
)

// ErrorCode is one of the fixed SCREAMING_SNAKE_CASE error codes.
type ErrorCode string

const (
	ErrBadFormat    ErrorCode = "BAD_FORMAT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimit    ErrorCode = "RATE_LIMIT"
	ErrStaleJob     ErrorCode = "STALE_JOB"
	ErrBadJob       ErrorCode = "BAD_JOB"
	ErrBadReserved  ErrorCode = "BAD_RESERVED"
	ErrBadPoW       ErrorCode = "BAD_POW"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrRPCDown      ErrorCode = "RPC_DOWN"
)

// SubmitStatus is one of the fixed SCREAMING_SNAKE_CASE submission
// outcomes.
type SubmitStatus string

const (
	StatusAccepted SubmitStatus = "ACCEPTED"
	StatusRejected SubmitStatus = "REJECTED"
	StatusStale    SubmitStatus = "STALE"
	StatusError    SubmitStatus = "ERROR"
)

// envelope is used only to sniff the discriminant before decoding into a
// concrete payload type.
type envelope struct {
	Type string `json:"type"`
}

// HelloPayload is the client's opening handshake.
type HelloPayload struct {
	Type           string `json:"type"`
	V              int    `json:"v"`
	ID             string `json:"id,omitempty"`
	MinerVersion   string `json:"miner_version"`
	Threads        int    `json:"threads"`
	SiteToken      string `json:"site_token,omitempty"`
	UserAgentHint  string `json:"user_agent_hint,omitempty"`
	SupportsBinary bool   `json:"supports_binary,omitempty"`
	RandomXMode    string `json:"randomx_mode,omitempty"`
}

// SubmitPayload carries a full reconstructed blob.
type SubmitPayload struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	BlobHex string `json:"blob_hex"`
}

// SharePayload is the alternate submit path: a raw nonce plus a
// client-precomputed hash, for clients that don't round-trip the blob.
type SharePayload struct {
	Type          string `json:"type"`
	V             int    `json:"v"`
	ID            string `json:"id,omitempty"`
	JobID         string `json:"job_id"`
	Nonce         string `json:"nonce"`
	ResultHashHex string `json:"result_hash_hex"`
}

// PingPayload is a liveness probe.
type PingPayload struct {
	Type string `json:"type"`
	V    int    `json:"v"`
	ID   string `json:"id"`
}

// PolicyPayload mirrors the limits a session is subject to, for client
// self-throttling.
type PolicyPayload struct {
	JobTTLMs         uint64 `json:"job_ttl_ms"`
	MaxSubmitsPerMin int    `json:"max_submits_per_min"`
	MaxSharesPerMin  int    `json:"max_shares_per_min"`
}

// StatsPayload answers a Hello when no template is available yet, and
// reports the session's configured limits.
type StatsPayload struct {
	Type              string        `json:"type"`
	V                 int           `json:"v"`
	ID                string        `json:"id,omitempty"`
	SessionID         string        `json:"session_id"`
	SubmitsPerMinute  int           `json:"submits_per_minute"`
	MessagesPerSecond int           `json:"messages_per_second"`
	Policy            PolicyPayload `json:"policy"`
	ServerTimeMs      int64         `json:"server_time_ms"`
	TipHeight         uint64        `json:"tip_height"`
}

// JobPayload is a freshly minted work unit.
type JobPayload struct {
	Type             string  `json:"type"`
	V                int     `json:"v"`
	ID               string  `json:"id,omitempty"`
	JobID            string  `json:"job_id"`
	BlobHex          string  `json:"blob_hex"`
	ReservedOffset   int     `json:"reserved_offset"`
	ReservedValueHex string  `json:"reserved_value_hex"`
	TargetHex        string  `json:"target_hex"`
	Height           uint64  `json:"height"`
	SeedHash         string  `json:"seed_hash"`
	ExpiresAtMs      int64   `json:"expires_at_ms"`
	ShareTargetHex   *string `json:"share_target_hex,omitempty"`
	Algo             string  `json:"algo"`
}

// SubmitResultPayload answers a Submit or Share message.
type SubmitResultPayload struct {
	Type    string       `json:"type"`
	V       int          `json:"v"`
	ID      string       `json:"id"`
	Status  SubmitStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// ErrorPayload is a standalone error frame, used both for protocol-level
// errors and as a response to out-of-band failures (e.g. rate limiting).
type ErrorPayload struct {
	Type    string    `json:"type"`
	V       int       `json:"v"`
	ID      string    `json:"id,omitempty"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PongPayload answers a Ping.
type PongPayload struct {
	Type string `json:"type"`
	V    int    `json:"v"`
	ID   string `json:"id"`
}

// NewError builds an ErrorPayload ready to marshal.
func NewError(id string, code ErrorCode, message string) ErrorPayload {
	return ErrorPayload{Type: TypeError, V: Version, ID: id, Code: code, Message: message}
}

// ClientMessage is the decoded result of parsing one inbound frame: exactly
// one of the payload fields is non-nil, selected by Type.
type ClientMessage struct {
	Type   string
	Hello  *HelloPayload
	Submit *SubmitPayload
	Share  *SharePayload
	Ping   *PingPayload
}

// ErrUnknownType is returned by Decode for an unrecognized discriminant.
var ErrUnknownType = fmt.Errorf("protocol: unknown message type")

// Decode parses a raw client frame, dispatching on its "type" field.
func Decode(raw []byte) (*ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}

	msg := &ClientMessage{Type: env.Type}
	switch env.Type {
	case TypeHello:
		var p HelloPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("protocol: decode hello: %w", err)
		}
		msg.Hello = &p
	case TypeSubmit:
		var p SubmitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("protocol: decode submit: %w", err)
		}
		msg.Submit = &p
	case TypeShare:
		var p SharePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("protocol: decode share: %w", err)
		}
		msg.Share = &p
	case TypePing:
		var p PingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("protocol: decode ping: %w", err)
		}
		msg.Ping = &p
	default:
		return nil, ErrUnknownType
	}

	return msg, nil
}
