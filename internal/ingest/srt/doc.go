// Package srt feeds MPEG-TS carried over SRT into the broker. Server accepts
// publishers in listener mode; Caller pulls from remote SRT listeners. Each
// read is forwarded as one frame labelled with its stream key.
package srt
