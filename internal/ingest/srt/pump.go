package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/mpipe/internal/ingest"
	"github.com/zsiec/mpipe/media"
)

// FrameType labels frames produced by SRT ingest.
const FrameType = media.TypeMPEGTS

// readBufferSize holds ten standard SRT payloads of 7 TS packets each.
const readBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// sourceKey namespaces SRT sources in the ingest registry.
func sourceKey(streamKey string) string {
	return "srt/" + streamKey
}

// pump forwards reads from r until it fails or ctx is done and returns
// the number of chunks forwarded.
func pump(ctx context.Context, r io.Reader, src *ingest.Source, streamKey string, log *slog.Logger) int {
	var chunks int
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			src.Forward(FrameType, streamKey, buf[:n])
			chunks++
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				src.RecordError()
				log.Debug("read error", "stream_key", streamKey, "error", err)
			}
			break
		}
	}
	return chunks
}
