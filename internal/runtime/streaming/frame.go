// Package streaming converts graph execution into the server-sent event
// stream clients consume. The wire contract is exact: downstream SDKs
// reassemble token deltas by message id and break on any framing drift, so
// frames are written by hand rather than through an SSE helper.
package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// FrameType is the closed set of SSE event names the stream may carry.
type FrameType string

const (
	// FrameMetadata opens every stream with {run_id, attempt}.
	FrameMetadata FrameType = "metadata"
	// FrameValues carries a full state snapshot.
	FrameValues FrameType = "values"
	// FrameUpdates carries one node's partial state patch.
	FrameUpdates FrameType = "updates"
	// FrameMessages carries a [delta, metadata] 2-tuple.
	FrameMessages FrameType = "messages"
	// FrameDebug carries node timing detail when debug mode is requested.
	FrameDebug FrameType = "debug"
	// FrameError terminates the stream with {error, code?}.
	FrameError FrameType = "error"
)

// Frame is one SSE event before serialisation.
type Frame struct {
	Type FrameType
	Data interface{}
}

// Writer serialises frames onto an HTTP response in SSE framing:
//
//	event: <type>\n
//	data: <json>\n
//	\n
//
// and flushes after every frame so tokens reach the client as they are
// produced rather than when a buffer fills.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps an HTTP response writer. Flushing degrades to a no-op
// when the writer cannot flush, as in tests against a plain buffer.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Write serialises one frame and flushes it.
func (w *Writer) Write(f *Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Type, err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// PrepareHeaders sets the response headers every stream carries. location
// points at the run resource and joinLocation at its stream-join URL so a
// disconnected client can find its way back.
func PrepareHeaders(h http.Header, location, joinLocation string) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if location != "" {
		h.Set("Location", location)
	}
	if joinLocation != "" {
		h.Set("Content-Location", joinLocation)
	}
}
