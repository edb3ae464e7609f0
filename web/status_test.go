package web

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/coltonsteinbeck/silo-sub001/activity"
	"github.com/coltonsteinbeck/silo-sub001/voice"
)

type staticSource []voice.GuildStatus

func (s staticSource) Snapshot() []voice.GuildStatus { return s }

func TestStatusEndpoint(t *testing.T) {
	tracker := activity.NewTracker()
	tracker.Start(activity.KindSpeaking, "g1", "u1", "c1")

	source := staticSource{
		{GuildID: "g1", ChannelID: "c1", Speakers: []string{"u1"}},
	}
	router := NewRouter(source, tracker, log.New(io.Discard))

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Guilds     []voice.GuildStatus `json:"guilds"`
		Activities []activity.Activity `json:"activities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Guilds) != 1 || resp.Guilds[0].GuildID != "g1" {
		t.Errorf("unexpected guilds: %+v", resp.Guilds)
	}
	if len(resp.Activities) != 1 || resp.Activities[0].Kind != activity.KindSpeaking {
		t.Errorf("unexpected activities: %+v", resp.Activities)
	}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(staticSource{}, activity.NewTracker(), log.New(io.Discard))

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
