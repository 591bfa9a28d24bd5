// Package media defines the frame type that flows from producers through the
// broker to every subscribed client.
package media

import "fmt"

// Frame types set by the built-in ingest sources. The broker gates MPEG-TS
// and RTP frames independently.
const (
	TypeRTP    = "rtp"
	TypeMPEGTS = "mpegts"
)

// Frame is a single opaque media unit relayed by the broker. Type and Meta are
// free-form labels chosen by the producer; Payload is usually one RTP packet.
type Frame struct {
	Type    string
	Meta    string
	Payload []byte
}

// Normalize builds a Frame from loosely typed producer values. Strings pass
// through, nil becomes "", and any other label value is rendered with
// fmt.Sprint. A payload that is not a []byte (including nil) becomes a
// zero-length payload.
func Normalize(typ, meta, payload any) Frame {
	return Frame{
		Type:    label(typ),
		Meta:    label(meta),
		Payload: bytesOf(payload),
	}
}

// Normalized returns f with a nil payload replaced by a zero-length one, so a
// frame compares equal after a round trip over the wire.
func (f Frame) Normalized() Frame {
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	return f
}

func label(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func bytesOf(v any) []byte {
	if b, ok := v.([]byte); ok && b != nil {
		return b
	}
	return []byte{}
}
