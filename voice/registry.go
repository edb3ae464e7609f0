package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/coltonsteinbeck/silo-sub001/activity"
	"github.com/coltonsteinbeck/silo-sub001/realtime"
)

var (
	// ErrConnectTimeout is returned when a voice connection or speech link
	// does not become ready within the configured window.
	ErrConnectTimeout = errors.New("voice connection timed out")

	// ErrNotConnected is returned for speaking operations in a guild the bot
	// has not joined.
	ErrNotConnected = errors.New("not connected to a voice channel in this guild")

	// ErrDuplicateSession is returned when a member already has a speaking
	// session in the guild.
	ErrDuplicateSession = errors.New("member already has a speaking session")

	// ErrDuplicateConnection is returned when a join for the guild is
	// already in flight.
	ErrDuplicateConnection = errors.New("a voice connection for this guild is already being established")
)

// LinkSession is the per-member speech link the registry manages.
// *realtime.Session satisfies it.
type LinkSession interface {
	Connect(ctx context.Context) error
	Close() error
	HandleOpusFrame(frame []byte)
	Speak(text string) error
}

// LinkFactory builds the speech link for one member. The production factory
// wraps realtime.NewSession; tests substitute fakes.
type LinkFactory func(userID string, sink realtime.Sink, obs realtime.Observer) (LinkSession, error)

// RegistryConfig carries the registry's tunables.
type RegistryConfig struct {
	ConnectTimeout  time.Duration
	ReconnectWindow time.Duration
	Greeting        string
	Link            realtime.Config
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ReconnectWindow == 0 {
		c.ReconnectWindow = 5 * time.Second
	}
	return c
}

type memberLink struct {
	session LinkSession
	cancel  func() // unsubscribes the member's packet feed
	done    chan struct{}
}

type guildSession struct {
	guildID   string
	channelID string
	conn      Conn
	links     map[string]*memberLink
}

// Registry owns every guild's voice connection and the speaking sessions on
// top of them. All state transitions run under one lock so that concurrent
// joins, leaves and session starts serialize cleanly.
type Registry struct {
	log     *log.Logger
	cfg     RegistryConfig
	tracker *activity.Tracker

	transport Transport
	newLink   LinkFactory

	mu      sync.Mutex
	guilds  map[string]*guildSession
	joining map[string]bool
}

func NewRegistry(transport Transport, tracker *activity.Tracker, cfg RegistryConfig, logger *log.Logger) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		log:       logger,
		cfg:       cfg,
		tracker:   tracker,
		transport: transport,
		guilds:    make(map[string]*guildSession),
		joining:   make(map[string]bool),
	}
	r.newLink = func(userID string, sink realtime.Sink, obs realtime.Observer) (LinkSession, error) {
		return realtime.NewSession(userID, cfg.Link, sink, obs, logger)
	}
	return r
}

// JoinChannel connects the bot to a guild voice channel. Joining the channel
// the bot is already in is a no-op; joining a different channel in the same
// guild tears the old connection down first. A second join racing with an
// in-flight one returns ErrDuplicateConnection.
func (r *Registry) JoinChannel(guildID, channelID string) error {
	r.mu.Lock()
	if g, ok := r.guilds[guildID]; ok {
		if g.channelID == channelID {
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		if err := r.LeaveGuild(guildID); err != nil {
			return fmt.Errorf("leave previous channel: %w", err)
		}
		r.mu.Lock()
	}
	if r.joining[guildID] {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.joining[guildID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.joining, guildID)
		r.mu.Unlock()
	}()

	conn, err := r.transport.Join(guildID, channelID)
	if err != nil {
		return err
	}
	if err := conn.WaitReady(r.cfg.ConnectTimeout); err != nil {
		if cerr := conn.Close(); cerr != nil {
			r.log.Warn("close unready connection", "guild", guildID, "error", cerr)
		}
		return fmt.Errorf("wait for voice connection: %w", err)
	}

	g := &guildSession{
		guildID:   guildID,
		channelID: channelID,
		conn:      conn,
		links:     make(map[string]*memberLink),
	}
	r.mu.Lock()
	r.guilds[guildID] = g
	r.mu.Unlock()

	go r.watchConn(guildID, conn)

	r.log.Info("voice connection ready", "guild", guildID, "channel", channelID)
	return nil
}

// watchConn reacts to connection events. A destroy tears the guild down
// immediately; a disconnect gets a grace window to recover before the guild
// is torn down.
func (r *Registry) watchConn(guildID string, conn Conn) {
	for ev := range conn.Events() {
		switch ev {
		case ConnDestroyed:
			r.log.Info("voice connection destroyed", "guild", guildID)
			r.leaveIfCurrent(guildID, conn)
			return

		case ConnDisconnected:
			r.log.Warn("voice connection lost", "guild", guildID, "window", r.cfg.ReconnectWindow)
			timer := time.NewTimer(r.cfg.ReconnectWindow)
			select {
			case next, ok := <-conn.Events():
				timer.Stop()
				if !ok || next == ConnDestroyed {
					r.leaveIfCurrent(guildID, conn)
					return
				}
				if next == ConnReady {
					r.log.Info("voice connection recovered", "guild", guildID)
				}
			case <-timer.C:
				r.log.Warn("voice connection did not recover", "guild", guildID)
				r.leaveIfCurrent(guildID, conn)
				return
			}

		case ConnReady, ConnReconnecting:
			r.log.Debug("voice connection event", "guild", guildID, "event", ev)
		}
	}
}

// leaveIfCurrent tears the guild down only if the given connection is still
// the registered one, so a watcher for a dead connection cannot take down
// its replacement.
func (r *Registry) leaveIfCurrent(guildID string, conn Conn) {
	r.mu.Lock()
	g, ok := r.guilds[guildID]
	if !ok || g.conn != conn {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if err := r.LeaveGuild(guildID); err != nil {
		r.log.Warn("leave guild after connection loss", "guild", guildID, "error", err)
	}
}

// StartSpeaking opens a speech link for one member in the guild's voice
// channel. The member's activity slot is claimed first; every failure path
// releases it. On success the member's inbound frames flow to the link and
// the configured greeting, if any, is spoken.
func (r *Registry) StartSpeaking(ctx context.Context, guildID, userID string, obs realtime.Observer) error {
	r.mu.Lock()
	g, ok := r.guilds[guildID]
	if !ok {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if _, dup := g.links[userID]; dup {
		r.mu.Unlock()
		return ErrDuplicateSession
	}
	if err := r.tracker.Start(activity.KindSpeaking, guildID, userID, g.channelID); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("claim voice activity: %w", err)
	}
	// Reserve the slot so a concurrent start for the same member fails fast
	// while we connect outside the lock.
	link := &memberLink{done: make(chan struct{})}
	g.links[userID] = link
	conn := g.conn
	r.mu.Unlock()

	undo := func() {
		r.mu.Lock()
		if cur, ok := r.guilds[guildID]; ok && cur.links[userID] == link {
			delete(cur.links, userID)
		}
		r.mu.Unlock()
		r.tracker.Stop(guildID, userID)
	}

	if obs == nil {
		obs = realtime.NopObserver{}
	}
	session, err := r.newLink(userID, conn.Sink(), &linkObserver{
		registry: r,
		guildID:  guildID,
		userID:   userID,
		inner:    obs,
	})
	if err != nil {
		undo()
		return fmt.Errorf("create speech link: %w", err)
	}

	if err := session.Connect(ctx); err != nil {
		undo()
		return fmt.Errorf("connect speech link: %w", err)
	}

	packets, cancel := conn.Subscribe(userID)
	r.mu.Lock()
	cur, still := r.guilds[guildID]
	if !still || cur.links[userID] != link {
		// The guild was torn down while the link connected.
		r.mu.Unlock()
		cancel()
		if err := session.Close(); err != nil {
			r.log.Warn("close orphaned speech link", "guild", guildID, "user", userID, "error", err)
		}
		return ErrNotConnected
	}
	link.session = session
	link.cancel = cancel
	r.mu.Unlock()

	go r.pumpPackets(session, packets, link.done)

	if r.cfg.Greeting != "" {
		if err := session.Speak(r.cfg.Greeting); err != nil {
			r.log.Warn("speak greeting", "guild", guildID, "user", userID, "error", err)
		}
	}

	r.log.Info("speaking session started", "guild", guildID, "user", userID)
	return nil
}

func (r *Registry) pumpPackets(session LinkSession, packets <-chan Packet, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case pkt := <-packets:
			session.HandleOpusFrame(pkt.Opus)
		}
	}
}

// StopSpeaking closes a member's speech link and releases their activity
// slot. It reports whether a session existed.
func (r *Registry) StopSpeaking(guildID, userID string) bool {
	r.mu.Lock()
	g, ok := r.guilds[guildID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	link, ok := g.links[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(g.links, userID)
	r.mu.Unlock()

	r.closeLink(guildID, userID, link)
	r.tracker.Stop(guildID, userID)
	r.log.Info("speaking session stopped", "guild", guildID, "user", userID)
	return true
}

func (r *Registry) closeLink(guildID, userID string, link *memberLink) {
	close(link.done)
	if link.cancel != nil {
		link.cancel()
	}
	if link.session != nil {
		if err := link.session.Close(); err != nil {
			r.log.Warn("close speech link", "guild", guildID, "user", userID, "error", err)
		}
	}
}

// LeaveGuild disconnects from the guild's voice channel, closing every
// speech link on it. Leaving a guild the bot is not in is a no-op.
func (r *Registry) LeaveGuild(guildID string) error {
	r.mu.Lock()
	g, ok := r.guilds[guildID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.guilds, guildID)
	links := g.links
	g.links = make(map[string]*memberLink)
	r.mu.Unlock()

	for userID, link := range links {
		r.closeLink(guildID, userID, link)
	}
	r.tracker.ClearGuild(guildID)

	if err := g.conn.Close(); err != nil {
		return fmt.Errorf("close voice connection: %w", err)
	}
	return nil
}

// Shutdown leaves every guild. Used on process exit.
func (r *Registry) Shutdown() {
	for _, guildID := range r.ActiveGuilds() {
		if err := r.LeaveGuild(guildID); err != nil {
			r.log.Warn("leave guild on shutdown", "guild", guildID, "error", err)
		}
	}
}

// HasSession reports whether the bot holds a voice connection in the guild.
func (r *Registry) HasSession(guildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.guilds[guildID]
	return ok
}

// IsSpeaking reports whether the member has a speech link in the guild.
func (r *Registry) IsSpeaking(guildID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return false
	}
	_, ok = g.links[userID]
	return ok
}

// SpeakerCount returns how many members hold speech links in the guild.
func (r *Registry) SpeakerCount(guildID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return 0
	}
	return len(g.links)
}

// ActiveGuilds lists the guilds with a voice connection.
func (r *Registry) ActiveGuilds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.guilds))
	for guildID := range r.guilds {
		out = append(out, guildID)
	}
	return out
}

// GuildStatus is one guild's connection state for status reporting.
type GuildStatus struct {
	GuildID   string   `json:"guild_id"`
	ChannelID string   `json:"channel_id"`
	Speakers  []string `json:"speakers"`
}

// Snapshot returns the connection state of every guild.
func (r *Registry) Snapshot() []GuildStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]GuildStatus, 0, len(r.guilds))
	for _, g := range r.guilds {
		speakers := make([]string, 0, len(g.links))
		for userID := range g.links {
			speakers = append(speakers, userID)
		}
		out = append(out, GuildStatus{
			GuildID:   g.guildID,
			ChannelID: g.channelID,
			Speakers:  speakers,
		})
	}
	return out
}

// linkObserver forwards session events to the caller's observer and, on a
// link failure, tears the member's session down so the slot frees up.
type linkObserver struct {
	registry *Registry
	guildID  string
	userID   string
	inner    realtime.Observer
}

func (o *linkObserver) AudioResponse(pcm []byte)    { o.inner.AudioResponse(pcm) }
func (o *linkObserver) TranscriptDelta(text string) { o.inner.TranscriptDelta(text) }
func (o *linkObserver) TranscriptDone(text string)  { o.inner.TranscriptDone(text) }
func (o *linkObserver) UserTranscript(text string)  { o.inner.UserTranscript(text) }

func (o *linkObserver) LinkError(err error) {
	o.inner.LinkError(err)
	o.registry.log.Error("speech link failed", "guild", o.guildID, "user", o.userID, "error", err)
	// Called from the session's read loop; stop asynchronously to avoid
	// deadlocking on the session's own close path.
	go o.registry.StopSpeaking(o.guildID, o.userID)
}
