package bridge

import (
	"encoding/json"
	"fmt"
)

// Msg is the envelope for every frame exchanged over a bridge connection.
// ID correlates a response with its request; id 0 is reserved for the auth
// handshake and unsolicited messages.
type Msg struct {
	ID   uint64  `json:"id"`
	Data MsgKind `json:"data"`
}

// MsgKind holds either a request or a response payload. Exactly one field
// is set. Response payloads are kept raw because their shape depends on the
// request kind that produced them.
type MsgKind struct {
	Request  *Request        `json:"Request,omitempty"`
	Response json.RawMessage `json:"Response,omitempty"`
}

// Request is a tagged union of every request kind that can travel over a
// bridge connection. Exactly one field is set; the JSON key is the tag.
type Request struct {
	Auth          *AuthParams          `json:"Auth,omitempty"`
	DispatchJob   *DispatchJobParams   `json:"DispatchJobRequest,omitempty"`
	RuntimeAction *RuntimeActionParams `json:"RuntimeActionRequest,omitempty"`
	PullJob       json.RawMessage      `json:"PullJobRequest,omitempty"`
	SftpReadDir   *SftpReadDirParams   `json:"SftpReadDirRequest,omitempty"`
	SftpUpload    *SftpUploadParams    `json:"SftpUploadRequest,omitempty"`
	SftpDownload  *SftpDownloadParams  `json:"SftpDownloadRequest,omitempty"`
	SftpRemove    *SftpRemoveParams    `json:"SftpRemoveRequest,omitempty"`
	UpdateJob     *UpdateJobParams     `json:"UpdateJobRequest,omitempty"`
	Heartbeat     *HeartbeatParams     `json:"HeartbeatRequest,omitempty"`
}

// Kind returns the tag of the variant that is set, for logging.
func (r *Request) Kind() string {
	switch {
	case r == nil:
		return "nil"
	case r.Auth != nil:
		return "Auth"
	case r.DispatchJob != nil:
		return "DispatchJobRequest"
	case r.RuntimeAction != nil:
		return "RuntimeActionRequest"
	case r.PullJob != nil:
		return "PullJobRequest"
	case r.SftpReadDir != nil:
		return "SftpReadDirRequest"
	case r.SftpUpload != nil:
		return "SftpUploadRequest"
	case r.SftpDownload != nil:
		return "SftpDownloadRequest"
	case r.SftpRemove != nil:
		return "SftpRemoveRequest"
	case r.UpdateJob != nil:
		return "UpdateJobRequest"
	case r.Heartbeat != nil:
		return "HeartbeatRequest"
	default:
		return "unknown"
	}
}

// NewRequestMsg wraps a request into an envelope. The connection writer
// assigns the correlation id just before the frame is packed.
func NewRequestMsg(req Request) Msg {
	return Msg{Data: MsgKind{Request: &req}}
}

// NewResponseMsg wraps an already-encoded response payload for a given
// correlation id.
func NewResponseMsg(id uint64, payload json.RawMessage) Msg {
	return Msg{ID: id, Data: MsgKind{Response: payload}}
}

// Result carries the outcome of an in-flight request back to its caller.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Business-level response codes used inside response payloads. The bridge
// itself does not interpret them; agents and comets agree on the shape.
const (
	CodeSuccess = 20000
	CodeError   = 50000
)

// Envelope is the {code,msg,data} shape agents reply with and HTTP surfaces
// return to callers.
type Envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Success encodes v under a CodeSuccess envelope.
func Success(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return Fail(fmt.Errorf("bridge: encode response: %w", err))
	}
	raw, _ := json.Marshal(Envelope{Code: CodeSuccess, Msg: "success", Data: data})
	return raw
}

// Fail encodes err under a CodeError envelope.
func Fail(err error) json.RawMessage {
	raw, _ := json.Marshal(Envelope{Code: CodeError, Msg: err.Error()})
	return raw
}
