package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// DefaultMaxMessageSize is the default maximum frame body size (§4.1/§6).
const DefaultMaxMessageSize = 1 << 20 // 1 MiB

var mpHandle = &codec.MsgpackHandle{}

// toWire flattens a typed Message into the map[string]any shape actually
// put on the wire: an integer "t" field plus the variant's own fields.
// This mirrors §3's description of the Message as "a MessagePack map whose
// integer t field selects the variant" more directly than relying on
// per-struct codec tags for the discriminant itself.
func toWire(m Message) map[string]any {
	out := map[string]any{"t": uint8(m.MsgType())}
	switch v := m.(type) {
	case *AgentHello:
		out["id"] = v.ID
		out["version"] = v.Version
		out["credentials"] = v.Credentials
	case *ManagerHello:
		out["version"] = v.Version
	case *Ping:
		out["data"] = v.Data
	case *Pong:
		out["data"] = v.Data
	case *Bye:
		out["reason"] = v.Reason
	case *Request:
		out["id"] = v.ID
		out["method"] = v.Method
		out["args"] = v.Args
		out["kwargs"] = v.Kwargs
	case *Response:
		out["id"] = v.ID
		out["success"] = v.Success
		out["data"] = v.Data
	case *Notification:
		out["type"] = v.Type
		out["data"] = v.Data
	default:
		panic(fmt.Sprintf("protocol: unhandled message type %T", m))
	}
	return out
}

// Encode msgpack-encodes m into a length-prefixed frame and writes it to w.
func Encode(w io.Writer, m Message) error {
	var body bytes.Buffer
	enc := codec.NewEncoder(&body, mpHandle)
	if err := enc.Encode(toWire(m)); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if body.Len() > DefaultMaxMessageSize {
		return &ProtocolError{Reason: fmt.Sprintf("encoded message of %d bytes exceeds max size", body.Len())}
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(body.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize, and
// returns its raw msgpack body. It detects the "HTTP" misconfiguration
// prefix and reports a human-readable diagnostic before treating it as a
// protocol error.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	if bytes.Equal(prefix[:], []byte("HTTP")) {
		return nil, &ProtocolError{Reason: "received an HTTP request on the framed message port; check the client is configured to speak the TLS+msgpack protocol, not HTTP"}
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds max message size %d", size, maxSize)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Decode parses a raw msgpack frame body into its typed Message variant.
func Decode(body []byte) (Message, error) {
	var raw map[string]any
	dec := codec.NewDecoder(bytes.NewReader(body), mpHandle)
	if err := dec.Decode(&raw); err != nil {
		return nil, &ProtocolError{Reason: "malformed msgpack body: " + err.Error()}
	}
	return fromWire(raw)
}

// ReadMessage reads exactly one frame from r (enforcing maxSize) and
// decodes it into a typed Message.
func ReadMessage(r io.Reader, maxSize uint32) (Message, error) {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

func fromWire(raw map[string]any) (Message, error) {
	tRaw, ok := raw["t"]
	if !ok {
		return nil, &ProtocolError{Reason: "message missing discriminant field \"t\""}
	}
	t, ok := asUint8(tRaw)
	if !ok {
		return nil, &ProtocolError{Reason: "message discriminant field \"t\" is not an integer"}
	}
	switch Type(t) {
	case TypeAgentHello:
		return &AgentHello{
			ID:          asString(raw["id"]),
			Version:     asString(raw["version"]),
			Credentials: asString(raw["credentials"]),
		}, nil
	case TypeManagerHello:
		return &ManagerHello{Version: asString(raw["version"])}, nil
	case TypePing:
		return &Ping{Data: asInt64(raw["data"])}, nil
	case TypePong:
		return &Pong{Data: asInt64(raw["data"])}, nil
	case TypeBye:
		return &Bye{Reason: asString(raw["reason"])}, nil
	case TypeRequest:
		return &Request{
			ID:     asString(raw["id"]),
			Method: asString(raw["method"]),
			Args:   asSlice(raw["args"]),
			Kwargs: asMap(raw["kwargs"]),
		}, nil
	case TypeResponse:
		return &Response{
			ID:      asString(raw["id"]),
			Success: asBool(raw["success"]),
			Data:    normalizeValue(raw["data"]),
		}, nil
	case TypeNotification:
		return &Notification{
			Type: asString(raw["type"]),
			Data: normalizeValue(raw["data"]),
		}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message discriminant %d", t)}
	}
}
