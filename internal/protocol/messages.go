package protocol

import (
	"encoding/json"
	"fmt"
)

// MsgType discriminates the "type" field every frame carries.
type MsgType string

const (
	TypeRegister      MsgType = "REGISTER"
	TypeRegistered    MsgType = "REGISTERED"
	TypeStatus        MsgType = "STATUS"
	TypeCommand       MsgType = "COMMAND"
	TypeCommandResult MsgType = "COMMAND_RESULT"
	TypePing          MsgType = "PING"
	TypePong          MsgType = "PONG"
	TypeRequest       MsgType = "REQUEST"
	TypeListInstances MsgType = "LIST_INSTANCES"
	TypeSetDefault    MsgType = "SET_DEFAULT"
	TypeResponse      MsgType = "RESPONSE"
	TypeError         MsgType = "ERROR"
	TypeInstances     MsgType = "INSTANCES"
)

// envelopePeek is decoded first from any inbound frame to discover its type
// and (when present) its correlation id, without committing to a concrete
// payload shape.
type envelopePeek struct {
	Type MsgType `json:"type"`
	ID   string  `json:"id"`
	Ts   *int64  `json:"ts,omitempty"`
}

// ─── Agent → Broker ─────────────────────────────────────────────────────────

type AgentCapabilities = []string

type Register struct {
	Type            MsgType  `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ProtocolSecret  string   `json:"protocol_secret,omitempty"`
	InstanceID      string   `json:"instance_id"`
	ProjectName     string   `json:"project_name"`
	UnityVersion    string   `json:"unity_version"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// InstanceStatus mirrors the status values a STATUS frame or status file
// record can carry. It deliberately does not reuse registry.State: this is
// the wire vocabulary (lowercase, includes "error"), the registry's State is
// the broker's internal state machine (uppercase, no "error" state: an
// agent-reported error does not by itself change the registry's bookkeeping
// state beyond logging).
type InstanceStatus string

const (
	InstanceStatusReady     InstanceStatus = "ready"
	InstanceStatusBusy      InstanceStatus = "busy"
	InstanceStatusReloading InstanceStatus = "reloading"
	InstanceStatusError     InstanceStatus = "error"
)

type Status struct {
	Type       MsgType        `json:"type"`
	InstanceID string         `json:"instance_id"`
	Status     InstanceStatus `json:"status"`
	Detail     string         `json:"detail,omitempty"`
}

type CommandResult struct {
	Type    MsgType      `json:"type"`
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

type Pong struct {
	Type   MsgType `json:"type"`
	Ts     int64   `json:"ts"`
	EchoTs int64   `json:"echo_ts"`
}

// ─── Broker → Agent ─────────────────────────────────────────────────────────

type Registered struct {
	Type                MsgType   `json:"type"`
	Success             bool      `json:"success"`
	HeartbeatIntervalMs int64     `json:"heartbeat_interval_ms,omitempty"`
	Error               ErrorCode `json:"error,omitempty"`
}

type Ping struct {
	Type MsgType `json:"type"`
	Ts   int64   `json:"ts"`
}

type Command struct {
	Type      MsgType        `json:"type"`
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// ─── Client → Broker ────────────────────────────────────────────────────────

type Request struct {
	Type      MsgType        `json:"type"`
	ID        string         `json:"id"`
	Instance  string         `json:"instance,omitempty"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

type ListInstances struct {
	Type MsgType `json:"type"`
	ID   string  `json:"id"`
}

type SetDefault struct {
	Type     MsgType `json:"type"`
	ID       string  `json:"id"`
	Instance string  `json:"instance"`
}

// ─── Broker → Client ────────────────────────────────────────────────────────

type Response struct {
	Type    MsgType `json:"type"`
	ID      string  `json:"id"`
	Success bool    `json:"success"`
	Data    any     `json:"data"`
}

type Error struct {
	Type    MsgType      `json:"type"`
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// InstanceSummary is one entry of INSTANCES.data.instances.
type InstanceSummary struct {
	InstanceID   string `json:"instance_id"`
	ProjectName  string `json:"project_name"`
	UnityVersion string `json:"unity_version"`
	Status       string `json:"status"`
	IsDefault    bool   `json:"is_default"`
}

type InstancesData struct {
	Instances []InstanceSummary `json:"instances"`
}

type Instances struct {
	Type    MsgType       `json:"type"`
	ID      string        `json:"id"`
	Success bool          `json:"success"`
	Data    InstancesData `json:"data"`
}

// NewErrorFrame builds an ERROR frame for the given request id and code/message.
func NewErrorFrame(id string, code ErrorCode, message string) *Error {
	return &Error{
		Type:    TypeError,
		ID:      id,
		Success: false,
		Error:   NewError(code, message),
	}
}

// NewResponseFrame builds a RESPONSE frame carrying data for the given request id.
func NewResponseFrame(id string, data any) *Response {
	return &Response{Type: TypeResponse, ID: id, Success: true, Data: data}
}

// PeekType reports the "type" field of a raw frame payload without fully
// decoding it, so the reader loop can dispatch to the right concrete struct.
func PeekType(raw []byte) (MsgType, string, error) {
	var p envelopePeek
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("protocol: peek type: %w", err)
	}
	if p.Type == "" {
		return "", "", fmt.Errorf("protocol: frame missing \"type\" field")
	}
	return p.Type, p.ID, nil
}

// PeekID extracts a recoverable "id" field from an otherwise-malformed frame,
// used by the transport-fatal path to scope a MALFORMED_JSON error to the
// offending request instead of the whole connection when possible.
func PeekID(raw []byte) (string, bool) {
	var p envelopePeek
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", false
	}
	return p.ID, p.ID != ""
}
