// Package wire frames subscription messages on a raw byte stream, for
// transports such as QUIC that have no response metadata. The ready status is
// therefore an explicit first message from the broker.
//
// Every message is [type (varint)] [length (varint)] [payload]. Strings and
// byte fields inside a payload are varint-length-prefixed.
package wire

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/mpipe/media"
)

// Message type IDs.
const (
	MsgRequest uint64 = 0x01 // subscriber → broker: token
	MsgStatus  uint64 = 0x02 // broker → subscriber: handshake status
	MsgFrame   uint64 = 0x03 // broker → subscriber: media frame
)

// MaxMessageSize bounds a single message payload.
const MaxMessageSize = 16 << 20

// Reader is satisfied by *bufio.Reader. Varint decoding needs byte reads, so
// callers wrap a stream once and reuse the reader for every message.
type Reader interface {
	io.Reader
	io.ByteReader
}

// ReadMsg reads one message. A stream that ends cleanly before the type
// varint yields an error wrapping io.EOF.
func ReadMsg(r Reader) (uint64, []byte, error) {
	msgType, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	length, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", unexpectedEOF(err))
	}
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("message type %#x length %d: %w", msgType, length, ErrMessageTooLarge)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", unexpectedEOF(err))
		}
	}

	return msgType, payload, nil
}

// WriteMsg writes a message as a single Write call.
func WriteMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, 0, quicvarint.Len(msgType)+quicvarint.Len(uint64(len(payload)))+len(payload))
	buf = quicvarint.Append(buf, msgType)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// SerializeRequest serializes a REQUEST payload.
func SerializeRequest(token string) []byte {
	return appendVarIntBytes(nil, []byte(token))
}

// ParseRequest parses a REQUEST payload.
func ParseRequest(data []byte) (string, error) {
	r := newBufReader(data)
	token, err := r.readVarIntBytes()
	if err != nil {
		return "", &ParseError{Field: "token", Err: err}
	}
	return string(token), nil
}

// SerializeStatus serializes a STATUS payload.
func SerializeStatus(code string) []byte {
	return appendVarIntBytes(nil, []byte(code))
}

// ParseStatus parses a STATUS payload.
func ParseStatus(data []byte) (string, error) {
	r := newBufReader(data)
	code, err := r.readVarIntBytes()
	if err != nil {
		return "", &ParseError{Field: "status", Err: err}
	}
	return string(code), nil
}

// SerializeFrame serializes a FRAME payload.
func SerializeFrame(f media.Frame) []byte {
	buf := make([]byte, 0, len(f.Type)+len(f.Meta)+len(f.Payload)+12)
	buf = appendVarIntBytes(buf, []byte(f.Type))
	buf = appendVarIntBytes(buf, []byte(f.Meta))
	buf = appendVarIntBytes(buf, f.Payload)
	return buf
}

// ParseFrame parses a FRAME payload. The returned payload aliases data.
func ParseFrame(data []byte) (media.Frame, error) {
	r := newBufReader(data)

	typ, err := r.readVarIntBytes()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "type", Err: err}
	}
	meta, err := r.readVarIntBytes()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "meta", Err: err}
	}
	payload, err := r.readVarIntBytes()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "payload", Err: err}
	}

	return media.Frame{Type: string(typ), Meta: string(meta), Payload: payload}.Normalized(), nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// bufReader wraps a byte slice for sequential varint reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if length > uint64(len(b.data)) || end > len(b.data) {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
