package realtime

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/coltonsteinbeck/silo-sub001/audio"
)

// Sink is the outbound playback attach point of the voice transport. Play
// blocks until the buffer has been played or Stop was called; Stop also
// interrupts an in-flight Play.
type Sink interface {
	Play(pcm []byte) error
	Stop()
}

// Chunk is one synthesized audio fragment waiting to be played.
type Chunk struct {
	PCM      []byte
	Received time.Time
}

// PlaybackQueue buffers synthesized 24 kHz mono chunks and feeds the sink.
// When the sink goes idle and chunks are pending, everything queued is
// coalesced into one buffer, upsampled to the transport format and played
// as a single unit; coalescing keeps playback-start latency down and avoids
// clicks between fragments.
type PlaybackQueue struct {
	log  *log.Logger
	sink Sink

	mu       sync.Mutex
	pending  []Chunk
	draining bool
	closed   bool
}

func NewPlaybackQueue(sink Sink, logger *log.Logger) *PlaybackQueue {
	return &PlaybackQueue{
		log:  logger,
		sink: sink,
	}
}

// Enqueue appends a chunk and kicks off a drain if the sink is idle.
func (q *PlaybackQueue) Enqueue(pcm []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, Chunk{PCM: pcm, Received: time.Now()})
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

func (q *PlaybackQueue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		chunks := q.pending
		q.pending = nil
		q.mu.Unlock()

		total := 0
		for _, c := range chunks {
			total += len(c.PCM)
		}
		buf := make([]byte, 0, total)
		for _, c := range chunks {
			buf = append(buf, c.PCM...)
		}

		if err := q.sink.Play(audio.UpsampleToStereo48k(buf)); err != nil {
			q.log.Warn("playback sink", "error", err)
		}
	}
}

// Stop discards every queued-but-unplayed chunk and interrupts the sink.
// The queue stays usable for later chunks.
func (q *PlaybackQueue) Stop() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
	q.sink.Stop()
}

// Close stops playback permanently; subsequent Enqueue calls are dropped.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.sink.Stop()
}

// Len reports the number of queued-but-unplayed chunks.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
