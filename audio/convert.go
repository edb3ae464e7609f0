package audio

import (
	"encoding/binary"
	"math"
)

// Sample-rate and channel-count conversion between the Discord transport
// format (PCM16 LE, stereo, 48 kHz) and the realtime speech service format
// (PCM16 LE, mono, 24 kHz).
//
// Both directions are deliberately naive: upsampling is zero-order hold and
// downsampling discards every other frame without an anti-aliasing filter.
// The artifacts are audible but acceptable for speech; don't add filtering
// here without changing both ends of the pipeline.

const (
	// TransportSampleRate is what Discord sends and expects.
	TransportSampleRate = 48000
	// TransportChannels is the channel count on the Discord side.
	TransportChannels = 2
	// LinkSampleRate is what the realtime speech service sends and expects.
	LinkSampleRate = 24000

	// FrameSize is the per-channel sample count of one 20ms transport frame.
	FrameSize = 960
)

// UpsampleToStereo48k converts PCM16 LE mono 24 kHz to stereo 48 kHz by
// repeating each input sample four times (L/R of two consecutive time
// steps). A trailing odd byte is dropped.
func UpsampleToStereo48k(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		lo, hi := pcm[2*i], pcm[2*i+1]
		for j := 0; j < 4; j++ {
			out[8*i+2*j] = lo
			out[8*i+2*j+1] = hi
		}
	}
	return out
}

// DownsampleToMono24k converts PCM16 LE stereo 48 kHz to mono 24 kHz. Input
// is grouped into pairs of stereo frames; the first frame of each pair is
// mixed down to round((L+R)/2) and the second is discarded. Trailing bytes
// short of a full frame pair are dropped.
func DownsampleToMono24k(pcm []byte) []byte {
	pairs := len(pcm) / 8
	out := make([]byte, pairs*2)
	for i := 0; i < pairs; i++ {
		l := int16(binary.LittleEndian.Uint16(pcm[8*i:]))
		r := int16(binary.LittleEndian.Uint16(pcm[8*i+2:]))
		m := int16(math.Round((float64(l) + float64(r)) / 2))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(m))
	}
	return out
}

// SamplesToBytes lays out int16 samples as PCM16 LE bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// BytesToSamples parses PCM16 LE bytes into int16 samples, dropping a
// trailing odd byte.
func BytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}
