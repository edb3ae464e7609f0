package audio

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// ErrBridgeClosed is returned when a frame is decoded after Close.
var ErrBridgeClosed = errors.New("codec bridge closed")

// Decoder is the single-purpose codec capability the bridge wraps.
type Decoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

// OpusBridge holds one Opus decoder context for the lifetime of a link
// session. Decode failures are per-frame: the caller drops the frame and
// keeps going. The bridge holds no queue. The mutex lets Close race a
// late Decode from the packet pump during teardown.
type OpusBridge struct {
	mu  sync.Mutex
	dec Decoder
}

// NewOpusBridge creates a bridge backed by a real Opus decoder configured
// for the transport format (48 kHz stereo).
func NewOpusBridge() (*OpusBridge, error) {
	dec, err := gopus.NewDecoder(TransportSampleRate, TransportChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusBridge{dec: dec}, nil
}

// NewOpusBridgeWith wraps an existing decoder.
func NewOpusBridgeWith(dec Decoder) *OpusBridge {
	return &OpusBridge{dec: dec}
}

// Decode converts one compressed transport frame to PCM16 samples at
// 48 kHz stereo.
func (b *OpusBridge) Decode(frame []byte) ([]int16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dec == nil {
		return nil, ErrBridgeClosed
	}
	pcm, err := b.dec.Decode(frame, FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("decode opus frame: %w", err)
	}
	return pcm, nil
}

// Close releases the decoder context. Further Decode calls fail with
// ErrBridgeClosed. Safe to call more than once.
func (b *OpusBridge) Close() {
	b.mu.Lock()
	b.dec = nil
	b.mu.Unlock()
}
