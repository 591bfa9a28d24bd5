// rtp-push sends synthetic H.264 RTP to an mpipe RTP ingest. Every frame is a
// single NAL unit packet; an IDR slice opens each group of pictures.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/pion/rtp"
)

const (
	payloadType = 96
	clockRate   = 90000

	nalIDR    = 0x65
	nalNonIDR = 0x41
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:5004", "RTP ingest address")
	fpsFlag := flag.Int("fps", 30, "Frames per second")
	gopFlag := flag.Int("gop", 60, "Frames between IDR slices")
	sizeFlag := flag.Int("size", 1000, "Payload bytes per frame")
	durationFlag := flag.Duration("duration", 0, "Stop after this long (0 runs forever)")
	skipFlag := flag.Int("skip", 0, "Start this many frames into the first GOP")
	flag.Parse()

	if *fpsFlag <= 0 || *gopFlag <= 0 || *sizeFlag < 1 {
		fmt.Fprintln(os.Stderr, "fps, gop and size must be positive")
		os.Exit(1)
	}

	conn, err := net.Dial("udp", *addrFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addrFlag, err)
		os.Exit(1)
	}
	defer conn.Close()

	ssrc := rand.Uint32()
	fmt.Printf("Pushing to %s: ssrc=%08x fps=%d gop=%d\n", *addrFlag, ssrc, *fpsFlag, *gopFlag)

	ticker := time.NewTicker(time.Second / time.Duration(*fpsFlag))
	defer ticker.Stop()

	var deadline <-chan time.Time
	if *durationFlag > 0 {
		deadline = time.After(*durationFlag)
	}

	body := make([]byte, *sizeFlag)
	for frame := *skipFlag; ; frame++ {
		select {
		case <-deadline:
			fmt.Printf("Sent %d frames\n", frame-*skipFlag)
			return
		case <-ticker.C:
		}

		pkt := buildPacket(ssrc, uint16(frame), frameTimestamp(frame, *fpsFlag), isIDR(frame, *gopFlag), body)
		b, err := pkt.Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
			os.Exit(1)
		}
		if _, err := conn.Write(b); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
	}
}

func isIDR(frame, gop int) bool {
	return frame%gop == 0
}

func frameTimestamp(frame, fps int) uint32 {
	return uint32(frame * clockRate / fps)
}

func buildPacket(ssrc uint32, seq uint16, ts uint32, idr bool, body []byte) *rtp.Packet {
	nal := byte(nalNonIDR)
	if idr {
		nal = nalIDR
	}
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, nal)
	payload = append(payload, body...)
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
}
