package grpcpipe

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zsiec/mpipe/media"
)

// Field numbers of the mpipeStream protobuf messages.
//
//	message Request { string token = 1; }
//	message MediaFrame { string token = 1; string type = 2; string meta = 3; bytes payload = 4; }
const (
	fieldToken   protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldMeta    protowire.Number = 3
	fieldPayload protowire.Number = 4
)

// message is implemented by the two wire messages of the service.
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// codec encodes the service messages in protobuf wire format without
// generated code. It registers under the "proto" content subtype so stock
// protobuf clients interoperate.
type codec struct{}

func (codec) Name() string { return "proto" }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("grpcpipe: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("grpcpipe: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

type request struct {
	token string
}

func (r *request) marshal() []byte {
	return appendString(nil, fieldToken, r.token)
}

func (r *request) unmarshal(b []byte) error {
	*r = request{}
	return walkBytesFields(b, func(num protowire.Number, v []byte) {
		if num == fieldToken {
			r.token = string(v)
		}
	})
}

type frameMsg struct {
	token   string
	typ     string
	meta    string
	payload []byte
}

func newFrameMsg(token string, f media.Frame) *frameMsg {
	return &frameMsg{token: token, typ: f.Type, meta: f.Meta, payload: f.Payload}
}

func (m *frameMsg) frame() media.Frame {
	return media.Frame{Type: m.typ, Meta: m.meta, Payload: m.payload}.Normalized()
}

func (m *frameMsg) marshal() []byte {
	var b []byte
	b = appendString(b, fieldToken, m.token)
	b = appendString(b, fieldType, m.typ)
	b = appendString(b, fieldMeta, m.meta)
	if len(m.payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.payload)
	}
	return b
}

func (m *frameMsg) unmarshal(b []byte) error {
	*m = frameMsg{}
	return walkBytesFields(b, func(num protowire.Number, v []byte) {
		switch num {
		case fieldToken:
			m.token = string(v)
		case fieldType:
			m.typ = string(v)
		case fieldMeta:
			m.meta = string(v)
		case fieldPayload:
			m.payload = append([]byte(nil), v...)
		}
	})
}

// appendString appends a proto3 string field, omitting the default value.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkBytesFields calls fn for every length-delimited field in b and skips
// fields of any other wire type.
func walkBytesFields(b []byte, fn func(num protowire.Number, v []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("grpcpipe: field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("grpcpipe: field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("grpcpipe: field %d: %w", num, protowire.ParseError(n))
		}
		fn(num, v)
		b = b[n:]
	}
	return nil
}
