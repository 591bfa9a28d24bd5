package demux

// MPEG-TS packet layout (ISO/IEC 13818-1 §2.4.3).
const (
	tsPacketSize       = 188
	tsSyncByte         = 0x47
	tsAdaptationFlag   = 0x20
	tsRandomAccessFlag = 0x40
)

// IsRandomAccessTS reports whether a chunk of 188-byte MPEG-TS packets
// contains a packet whose adaptation field sets random_access_indicator.
// Scanning stops at the first packet that is truncated or out of sync.
func IsRandomAccessTS(chunk []byte) bool {
	for off := 0; off+tsPacketSize <= len(chunk); off += tsPacketSize {
		pkt := chunk[off : off+tsPacketSize]
		if pkt[0] != tsSyncByte {
			return false
		}
		if pkt[3]&tsAdaptationFlag == 0 {
			continue
		}
		// Adaptation field length 0 means no flags byte.
		if pkt[4] == 0 {
			continue
		}
		if pkt[5]&tsRandomAccessFlag != 0 {
			return true
		}
	}
	return false
}
