package realtime

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type fakeSink struct {
	mu     sync.Mutex
	played [][]byte
	stops  int
	gate   chan struct{} // when non-nil, Play blocks for one token
}

func (s *fakeSink) Play(pcm []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.played = append(s.played, pcm)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeSink) playCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.played)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestQueueCoalescesPendingChunks(t *testing.T) {
	sink := &fakeSink{}
	q := NewPlaybackQueue(sink, testLogger())

	// Queue two fragments before the drain runs, the way deltas pile up
	// while the sink is busy.
	q.mu.Lock()
	q.pending = []Chunk{
		{PCM: make([]byte, 100)},
		{PCM: make([]byte, 50)},
	}
	q.draining = true
	q.mu.Unlock()
	q.drain()

	if n := sink.playCount(); n != 1 {
		t.Fatalf("expected a single play, got %d", n)
	}
	// 150 bytes mono 24k become 600 bytes stereo 48k.
	if got := len(sink.played[0]); got != 600 {
		t.Errorf("expected 600-byte buffer, got %d", got)
	}
	// Idle with nothing queued: no replay without new data.
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d chunks", q.Len())
	}
}

func TestQueueRedrainsAfterSinkIdle(t *testing.T) {
	sink := &fakeSink{gate: make(chan struct{})}
	q := NewPlaybackQueue(sink, testLogger())

	q.Enqueue(make([]byte, 10))
	// While the sink is playing the first buffer, more chunks arrive.
	q.Enqueue(make([]byte, 20))
	q.Enqueue(make([]byte, 30))

	sink.gate <- struct{}{} // finish first play
	sink.gate <- struct{}{} // finish second play
	waitFor(t, "second play", func() bool { return sink.playCount() == 2 })

	first := len(sink.played[0])
	second := len(sink.played[1])
	if first != 10*4 {
		t.Errorf("first play: expected 40 bytes, got %d", first)
	}
	// The two chunks queued during playback come out coalesced.
	if second != (20+30)*4 {
		t.Errorf("second play: expected 200 bytes, got %d", second)
	}
}

func TestQueueStopClearsPendingAndStopsSink(t *testing.T) {
	sink := &fakeSink{}
	q := NewPlaybackQueue(sink, testLogger())

	q.mu.Lock()
	q.pending = []Chunk{{PCM: make([]byte, 10)}, {PCM: make([]byte, 10)}}
	q.mu.Unlock()

	q.Stop()

	if q.Len() != 0 {
		t.Errorf("expected pending chunks discarded, got %d", q.Len())
	}
	if sink.stops != 1 {
		t.Errorf("expected one sink stop, got %d", sink.stops)
	}

	// The queue stays usable after a stop.
	q.Enqueue(make([]byte, 10))
	waitFor(t, "play after stop", func() bool { return sink.playCount() == 1 })
}

func TestQueueCloseDropsLaterChunks(t *testing.T) {
	sink := &fakeSink{}
	q := NewPlaybackQueue(sink, testLogger())

	q.Close()
	q.Enqueue(make([]byte, 10))

	time.Sleep(20 * time.Millisecond)
	if sink.playCount() != 0 {
		t.Error("expected no playback after close")
	}
}
