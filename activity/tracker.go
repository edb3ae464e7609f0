// Package activity tracks which voice feature each guild member is
// currently using. A member holds at most one activity at a time, which is
// how mutually exclusive features (a speaking session versus music
// playback, say) stay out of each other's way.
package activity

import (
	"errors"
	"sync"
	"time"
)

// ErrActivityExists is returned when a member already holds an activity.
var ErrActivityExists = errors.New("member already has an active voice activity")

// Kind names the feature occupying a member's voice slot.
type Kind string

const (
	KindSpeaking  Kind = "speaking"
	KindListening Kind = "listening"
	KindMusic     Kind = "music"
)

// Key identifies a member's slot; one slot per member per guild.
type Key struct {
	GuildID string
	UserID  string
}

// Activity is an occupied slot.
type Activity struct {
	Kind      Kind
	GuildID   string
	UserID    string
	ChannelID string
	StartedAt time.Time
}

// Tracker holds the activity slots for all guilds.
type Tracker struct {
	mu    sync.RWMutex
	slots map[Key]Activity
}

func NewTracker() *Tracker {
	return &Tracker{slots: make(map[Key]Activity)}
}

// Start claims the member's slot. If the slot is already held, nothing
// changes and ErrActivityExists is returned; the existing activity keeps
// its original start time.
func (t *Tracker) Start(kind Kind, guildID, userID, channelID string) error {
	key := Key{GuildID: guildID, UserID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.slots[key]; held {
		return ErrActivityExists
	}
	t.slots[key] = Activity{
		Kind:      kind,
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
		StartedAt: time.Now(),
	}
	return nil
}

// Stop releases the member's slot. It reports whether a slot was held.
func (t *Tracker) Stop(guildID, userID string) bool {
	key := Key{GuildID: guildID, UserID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.slots[key]; !held {
		return false
	}
	delete(t.slots, key)
	return true
}

// Get returns the member's current activity, if any.
func (t *Tracker) Get(guildID, userID string) (Activity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.slots[Key{GuildID: guildID, UserID: userID}]
	return a, ok
}

// CountByGuild returns how many members hold an activity in the guild.
func (t *Tracker) CountByGuild(guildID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for key := range t.slots {
		if key.GuildID == guildID {
			n++
		}
	}
	return n
}

// CountByChannel returns how many members hold an activity in the channel.
func (t *Tracker) CountByChannel(guildID, channelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for key, a := range t.slots {
		if key.GuildID == guildID && a.ChannelID == channelID {
			n++
		}
	}
	return n
}

// CountByKind returns how many members hold an activity of the given kind
// across all guilds.
func (t *Tracker) CountByKind(kind Kind) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, a := range t.slots {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// ClearGuild releases every slot in the guild and returns how many were
// held. Used when the bot leaves a guild's voice channel.
func (t *Tracker) ClearGuild(guildID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.slots {
		if key.GuildID == guildID {
			delete(t.slots, key)
			n++
		}
	}
	return n
}

// ClearUser releases the member's slots across all guilds.
func (t *Tracker) ClearUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.slots {
		if key.UserID == userID {
			delete(t.slots, key)
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every held slot.
func (t *Tracker) Snapshot() []Activity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Activity, 0, len(t.slots))
	for _, a := range t.slots {
		out = append(out, a)
	}
	return out
}
