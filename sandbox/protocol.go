// Package sandbox executes user-supplied code in an isolated worker
// subprocess with a narrow, audited bridge back into the gateway for tool
// invocation (spec.md §4.5).
package sandbox

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// rpcMethod enumerates the bridge's request methods.
type rpcMethod string

const (
	methodCallTool    rpcMethod = "call_tool"
	methodLog         rpcMethod = "log"
	methodReadContext rpcMethod = "read_context"
	// methodInit is host -> worker only: it carries the one-shot
	// workerInit payload that starts an execution. It is not one of the
	// three bridge methods a worker may invoke.
	methodInit rpcMethod = "init"
)

// frameKind distinguishes the three message shapes on the bridge.
type frameKind string

const (
	frameRequest      frameKind = "rpc_request"
	frameResponse     frameKind = "rpc_response"
	frameNotification frameKind = "notification"
)

// frame is the envelope written to the wire; exactly one of Request,
// Response, or Notification is populated according to Kind.
type frame struct {
	Kind         frameKind         `json:"kind"`
	Request      *rpcRequest       `json:"request,omitempty"`
	Response     *rpcResponse      `json:"response,omitempty"`
	Notification *notification     `json:"notification,omitempty"`
}

// rpcRequest is sent worker -> host to invoke a bridged capability.
type rpcRequest struct {
	ID      string          `json:"id"`
	Method  rpcMethod       `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// rpcResponse is sent host -> worker in reply to an rpcRequest with a
// matching ID.
type rpcResponse struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// notification is an unsolicited, fire-and-forget message in either
// direction (e.g. a host-issued cancellation, or a worker lifecycle event).
type notification struct {
	NKind   string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// callToolPayload is the payload of a call_tool request.
type callToolPayload struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
}

// logPayload is the payload of a log request.
type logPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// frameWriter writes length-delimited JSON frames: a 4-byte big-endian
// length prefix followed by the JSON-encoded frame.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter { return &frameWriter{w: w} }

func (fw *frameWriter) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("sandbox: encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("sandbox: write frame header: %w", err)
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("sandbox: write frame body: %w", err)
	}
	return nil
}

// frameReader reads length-delimited JSON frames written by frameWriter.
type frameReader struct {
	r *bufio.Reader
}

// maxFrameBytes bounds a single frame to defend against a runaway or
// malicious worker claiming an unbounded length prefix.
const maxFrameBytes = 64 * 1024 * 1024

func newFrameReader(r io.Reader) *frameReader { return &frameReader{r: bufio.NewReader(r)} }

func (fr *frameReader) read() (frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return frame{}, fmt.Errorf("sandbox: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return frame{}, fmt.Errorf("sandbox: read frame body: %w", err)
	}
	var f frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return frame{}, fmt.Errorf("sandbox: decode frame: %w", err)
	}
	return f, nil
}
