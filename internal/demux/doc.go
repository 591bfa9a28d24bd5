// Package demux inspects H.264 over RTP (RFC 6184) and MPEG-TS just far
// enough to tell whether a frame opens a decodable picture.
//
// The central function is [IsKeyframeStart], which the broker uses to hold
// back a new subscriber until the first IDR slice. [IsKeyframeNAL] applies
// the same rule to an RTP payload that has already been separated from its
// header, for callers that parse packets with pion/rtp. [IsRandomAccessTS]
// is the MPEG-TS counterpart, keyed on the random_access_indicator.
package demux
