package demux

import "encoding/binary"

// RTP fixed header layout (RFC 3550 §5.1).
const (
	rtpFixedHeaderSize   = 12
	rtpCSRCSize          = 4
	rtpExtensionFlag     = 0x10
	rtpCSRCCountMask     = 0x0F
	rtpExtensionHdrSize  = 4
	rtpExtensionWordSize = 4
)

// RTPHeaderLen returns the length of the RTP header at the start of pkt,
// including the CSRC list and header extension. ok is false when the packet
// is too short to contain the header it declares.
func RTPHeaderLen(pkt []byte) (n int, ok bool) {
	if len(pkt) < rtpFixedHeaderSize {
		return 0, false
	}
	n = rtpFixedHeaderSize + int(pkt[0]&rtpCSRCCountMask)*rtpCSRCSize

	if pkt[0]&rtpExtensionFlag != 0 {
		if len(pkt) < n+rtpExtensionHdrSize {
			return 0, false
		}
		extLen := int(binary.BigEndian.Uint16(pkt[n+2 : n+4]))
		n += rtpExtensionHdrSize + extLen*rtpExtensionWordSize
	}
	if n > len(pkt) {
		return 0, false
	}
	return n, true
}

// IsKeyframeStart reports whether a raw RTP packet carrying H.264 begins an
// IDR picture. Empty, truncated, or malformed packets are never keyframes;
// the function does not read outside pkt.
func IsKeyframeStart(pkt []byte) bool {
	n, ok := RTPHeaderLen(pkt)
	if !ok || n >= len(pkt) {
		return false
	}
	return IsKeyframeNAL(pkt[n:])
}
