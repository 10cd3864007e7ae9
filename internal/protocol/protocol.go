// Package protocol implements the framed wire protocol spoken by the
// network transport.
//
// Each message is a 4-byte big-endian length prefix followed by a CBOR
// envelope. The request envelope carries the serialized SharedFileRequest,
// the caller's auth token, and an optional payload. The response envelope
// carries either a SharedFileResponse or a structured error. Payload bytes
// are opaque to the protocol; their encoding is named by the request's
// serialization tag.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/marmos91/meshfile/pkg/bufpool"
	"github.com/marmos91/meshfile/pkg/meshfile"
)

// MaxFrameSize bounds a single frame. Frames beyond this are rejected
// before any allocation, protecting the server from hostile peers.
const MaxFrameSize = 64 << 20

// frame header is a 4-byte big-endian body length.
const headerSize = 4

// RequestEnvelope is the client-to-server message.
type RequestEnvelope struct {
	// Request is the full shared-file request.
	Request meshfile.SharedFileRequest `cbor:"request"`

	// AuthToken authenticates the caller on the remote manager.
	AuthToken string `cbor:"auth_token"`

	// Payload optionally carries Write data separate from the request,
	// so large payloads bypass the request snapshot.
	Payload []byte `cbor:"payload,omitempty"`
}

// WireError is the structured error carried in a response envelope.
type WireError struct {
	Kind       int    `cbor:"kind"`
	Message    string `cbor:"message"`
	Identifier string `cbor:"identifier,omitempty"`
	Path       string `cbor:"path,omitempty"`
}

// ResponseEnvelope is the server-to-client message. Exactly one of
// Response and Error is set.
type ResponseEnvelope struct {
	Response *meshfile.SharedFileResponse `cbor:"response,omitempty"`
	Error    *WireError                   `cbor:"error,omitempty"`
}

// ToError converts a wire error back into the domain error it carried.
func (w *WireError) ToError() error {
	return &meshfile.Error{
		Kind:       meshfile.Kind(w.Kind),
		Message:    w.Message,
		Identifier: w.Identifier,
		Path:       w.Path,
	}
}

// ErrorEnvelope builds a response envelope from a failed request.
func ErrorEnvelope(err error) *ResponseEnvelope {
	kind := meshfile.KindOf(err)
	we := &WireError{Kind: int(kind), Message: err.Error()}
	var derr *meshfile.Error
	if ok := asDomain(err, &derr); ok {
		we.Message = derr.Message
		we.Identifier = derr.Identifier
		we.Path = derr.Path
	}
	return &ResponseEnvelope{Error: we}
}

func asDomain(err error, target **meshfile.Error) bool {
	for err != nil {
		if e, ok := err.(*meshfile.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// encMode is the deterministic CBOR encoder shared by all writers.
var encMode cbor.EncMode

// decMode rejects unknown wire garbage early but tolerates unknown map
// keys, so newer peers can add fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: encoder init: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: decoder init: %v", err))
	}
}

// framePool recycles scratch buffers so small frames go out in a single
// write without a fresh allocation per message.
var framePool = bufpool.New(16, bufpool.DefaultBufferSize)

// WriteFrame encodes v as CBOR and writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return meshfile.Errorf(meshfile.KindSerialization, "encode frame: %v", err)
	}
	if len(body) > MaxFrameSize {
		return meshfile.Errorf(meshfile.KindSerialization, "frame size %d exceeds limit %d", len(body), MaxFrameSize)
	}

	// Small frames coalesce header and body into one pooled buffer and
	// a single write.
	if headerSize+len(body) <= bufpool.DefaultBufferSize {
		buf := framePool.Acquire()
		defer framePool.Release(buf)

		binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(body)))
		n := copy(buf[headerSize:], body)
		if _, err := w.Write(buf[:headerSize+n]); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		return nil
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return meshfile.Errorf(meshfile.KindSerialization, "frame size %d exceeds limit %d", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}

	if err := decMode.Unmarshal(body, v); err != nil {
		return meshfile.Errorf(meshfile.KindSerialization, "decode frame: %v", err)
	}
	return nil
}
