package voice

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
)

func TestDestroyedEventDeliveredOnFullBuffer(t *testing.T) {
	c := &discordConn{
		log:    log.New(io.Discard),
		events: make(chan ConnEvent, 2),
	}
	// A flapping connection has filled the buffer with nobody reading.
	c.events <- ConnReady
	c.events <- ConnDisconnected

	c.emitDestroyed()

	var got []ConnEvent
	for len(c.events) > 0 {
		got = append(got, <-c.events)
	}
	if len(got) == 0 || got[len(got)-1] != ConnDestroyed {
		t.Fatalf("expected the last queued event to be destroyed, got %v", got)
	}
}

func TestEmitDropsNonTerminalEventsWhenFull(t *testing.T) {
	c := &discordConn{
		log:    log.New(io.Discard),
		events: make(chan ConnEvent, 1),
	}
	c.emit(ConnReady)
	c.emit(ConnDisconnected) // buffer full, dropped

	if len(c.events) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(c.events))
	}
	if ev := <-c.events; ev != ConnReady {
		t.Errorf("expected the first event to survive, got %v", ev)
	}
}
