package audio

import (
	"errors"
	"testing"
)

type fakeDecoder struct {
	calls  int
	failOn int // 1-based call index that returns an error, 0 = never
	out    []int16
}

func (d *fakeDecoder) Decode(data []byte, frameSize int, fec bool) ([]int16, error) {
	d.calls++
	if d.failOn != 0 && d.calls == d.failOn {
		return nil, errors.New("corrupt packet")
	}
	return d.out, nil
}

func TestBridgeDecodeErrorIsPerFrame(t *testing.T) {
	dec := &fakeDecoder{failOn: 2, out: []int16{1, 2, 3}}
	bridge := NewOpusBridgeWith(dec)

	if _, err := bridge.Decode([]byte{0xf8}); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := bridge.Decode([]byte{0xf8}); err == nil {
		t.Fatal("second frame: expected decode error")
	}
	// The bridge stays usable after a failed frame.
	pcm, err := bridge.Decode([]byte{0xf8})
	if err != nil {
		t.Fatalf("third frame: %v", err)
	}
	if len(pcm) != 3 {
		t.Errorf("expected 3 samples, got %d", len(pcm))
	}
}

// Teardown can close the bridge while the packet pump is still handing it
// a late frame; both must be safe to run concurrently.
func TestBridgeDecodeDuringCloseIsSafe(t *testing.T) {
	bridge := NewOpusBridgeWith(&fakeDecoder{out: []int16{1}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := bridge.Decode([]byte{0xf8}); errors.Is(err, ErrBridgeClosed) {
				return
			}
		}
	}()

	bridge.Close()
	<-done

	if _, err := bridge.Decode([]byte{0xf8}); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("expected ErrBridgeClosed, got %v", err)
	}
}

func TestBridgeCloseReleasesDecoder(t *testing.T) {
	bridge := NewOpusBridgeWith(&fakeDecoder{})
	bridge.Close()
	bridge.Close() // idempotent

	if _, err := bridge.Decode([]byte{0xf8}); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("expected ErrBridgeClosed, got %v", err)
	}
}
