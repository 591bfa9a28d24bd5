package demux

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1, plus the
// RFC 6184 packetization types that share the same 5-bit field.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9

	NALTypeSTAPA = 24
	NALTypeFUA   = 28
	NALTypeFUB   = 29
)

const (
	nalTypeMask  = 0x1F
	fuStartBit   = 0x80
	fuHeaderSize = 2
)

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsFragmentationUnit returns true for FU-A and FU-B packets.
func IsFragmentationUnit(nalType byte) bool {
	return nalType == NALTypeFUA || nalType == NALTypeFUB
}

// IsKeyframeNAL reports whether an RTP payload (the bytes after the RTP
// header) starts an IDR picture: either a single IDR NAL unit, or the first
// fragment of a fragmented IDR NAL unit.
func IsKeyframeNAL(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	fragment := payload[0] & nalTypeMask
	if IsKeyframe(fragment) {
		return true
	}
	if !IsFragmentationUnit(fragment) || len(payload) < fuHeaderSize {
		return false
	}
	fu := payload[1]
	return IsKeyframe(fu&nalTypeMask) && fu&fuStartBit != 0
}
