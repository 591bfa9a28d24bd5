package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/mpipe/media"
)

func reader(b []byte) Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

func TestMsgRoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte("hello")
	var buf bytes.Buffer
	if err := WriteMsg(&buf, MsgRequest, payload); err != nil {
		t.Fatal(err)
	}

	msgType, got, err := ReadMsg(reader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgRequest {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgRequest)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestMsgSequence(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteMsg(&buf, MsgStatus, SerializeStatus("200")); err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte{0xAB}, 70000)
	if err := WriteMsg(&buf, MsgFrame, SerializeFrame(media.Frame{Type: "rtp", Payload: big})); err != nil {
		t.Fatal(err)
	}

	r := reader(buf.Bytes())
	typ, payload, err := ReadMsg(r)
	if err != nil || typ != MsgStatus {
		t.Fatalf("first message: type %#x err %v", typ, err)
	}
	code, err := ParseStatus(payload)
	if err != nil || code != "200" {
		t.Fatalf("status = %q, %v; want 200", code, err)
	}

	typ, payload, err = ReadMsg(r)
	if err != nil || typ != MsgFrame {
		t.Fatalf("second message: type %#x err %v", typ, err)
	}
	f, err := ParseFrame(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Payload, big) {
		t.Errorf("payload length = %d, want %d", len(f.Payload), len(big))
	}

	if _, _, err := ReadMsg(r); !errors.Is(err, io.EOF) {
		t.Errorf("after last message: err = %v, want io.EOF", err)
	}
}

func TestMsgEmptyPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteMsg(&buf, MsgStatus, nil); err != nil {
		t.Fatal(err)
	}

	msgType, got, err := ReadMsg(reader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgStatus {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgStatus)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestMsgTruncated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated length", data: quicvarint.Append(nil, MsgFrame)},
		{name: "truncated payload", data: append(quicvarint.Append(quicvarint.Append(nil, MsgFrame), 10), 1, 2, 3)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := ReadMsg(reader(tc.data))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
			}
		})
	}
}

func TestMsgTooLarge(t *testing.T) {
	t.Parallel()
	data := quicvarint.Append(quicvarint.Append(nil, MsgFrame), MaxMessageSize+1)
	_, _, err := ReadMsg(reader(data))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()
	token, err := ParseRequest(SerializeRequest("test-token"))
	if err != nil {
		t.Fatal(err)
	}
	if token != "test-token" {
		t.Errorf("token = %q, want %q", token, "test-token")
	}
}

func TestFrameEmptyFields(t *testing.T) {
	t.Parallel()
	f, err := ParseFrame(SerializeFrame(media.Frame{Meta: "m"}))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != "" || f.Meta != "m" {
		t.Errorf("frame = %+v", f)
	}
	if f.Payload == nil || len(f.Payload) != 0 {
		t.Errorf("payload = %v, want empty non-nil", f.Payload)
	}
}

func TestParseFrameErrors(t *testing.T) {
	t.Parallel()

	full := SerializeFrame(media.Frame{Type: "t", Meta: "m", Payload: []byte{1, 2, 3}})

	tests := []struct {
		name  string
		data  []byte
		field string
	}{
		{name: "empty", data: nil, field: "type"},
		{name: "missing meta", data: full[:2], field: "meta"},
		{name: "short payload", data: full[:len(full)-1], field: "payload"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseFrame(tc.data)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
			if pe.Field != tc.field {
				t.Errorf("Field = %q, want %q", pe.Field, tc.field)
			}
		})
	}
}
