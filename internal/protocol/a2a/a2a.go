// Package a2a serves the A2A protocol surface: JSON-RPC message/send and
// message/stream against one assistant per URL. Both methods are sugar over
// the scheduler; send blocks for the reply, stream pipes the run's values
// frames and closing task through JSON-RPC SSE envelopes.
package a2a

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/runtime/service"
)

const jsonrpcVersion = "2.0"

// JSON-RPC error codes. Service errors beyond bad params keep the generic
// internal code and carry their taxonomy status in the error data.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Methods this adapter accepts.
const (
	methodSend   = "message/send"
	methodStream = "message/stream"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func resultResponse(id, result interface{}) rpcResponse {
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id interface{}, code int, message string) rpcResponse {
	return rpcResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
}

// serviceError maps a failed service call onto the JSON-RPC envelope.
// Invalid requests keep the dedicated params code; everything else reports
// the internal code with the error taxonomy status attached as data.
func serviceError(id interface{}, err error) rpcResponse {
	code := codeInternalError
	if errors.Is(err, service.ErrInvalidRequest) {
		code = codeInvalidParams
	}
	return rpcResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &rpcError{
			Code:    code,
			Message: err.Error(),
			Data:    map[string]interface{}{"status": service.HTTPStatus(err)},
		},
	}
}

// Message is an A2A protocol message: a role plus typed content parts.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Part is one content part. Text parts carry conversational content; data
// parts carry structured payloads and are folded into the input as JSON.
type Part struct {
	Kind string                 `json:"kind"`
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// sendParams is the params object of both methods.
type sendParams struct {
	Message  Message                `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// text flattens the message's parts into the run input.
func (m *Message) text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Kind {
		case "text":
			b.WriteString(p.Text)
		case "data":
			if len(p.Data) == 0 {
				continue
			}
			enc, err := json.Marshal(p.Data)
			if err != nil {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.Write(enc)
		}
	}
	return b.String()
}

// threadID returns the conversation the caller pinned, if any: the message's
// contextId, or thread_id in the request metadata.
func (p *sendParams) threadID() string {
	if p.Message.ContextID != "" {
		return p.Message.ContextID
	}
	if tid, ok := p.Metadata["thread_id"].(string); ok {
		return tid
	}
	return ""
}

// agentMessage wraps a reply as the protocol's message shape.
func agentMessage(text string) Message {
	return Message{
		Role:      "agent",
		Parts:     []Part{{Kind: "text", Text: text}},
		MessageID: uuid.New().String(),
		Kind:      "message",
	}
}

// taskStatus is the status object of task events.
type taskStatus struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

func statusNow(state string) taskStatus {
	return taskStatus{State: state, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// artifact is a task output: the run's closing reply as parts.
type artifact struct {
	Name      string `json:"name"`
	Parts     []Part `json:"parts"`
	LastChunk bool   `json:"lastChunk"`
}

// valuesEvent wraps one of the streaming engine's values snapshots.
type valuesEvent struct {
	Kind      string      `json:"kind"`
	TaskID    string      `json:"taskId"`
	ContextID string      `json:"contextId"`
	Values    interface{} `json:"values"`
}

// taskEvent closes a stream: terminal status, the reply artifact, final flag.
type taskEvent struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    taskStatus `json:"status"`
	Artifacts []artifact `json:"artifacts,omitempty"`
	Final     bool       `json:"final"`
}
