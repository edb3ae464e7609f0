// Package voice manages guild voice-channel connections and the speaking
// sessions running over them.
package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"layeh.com/gopus"

	"github.com/coltonsteinbeck/silo-sub001/audio"
	"github.com/coltonsteinbeck/silo-sub001/realtime"
)

// Packet is one inbound opus frame attributed to a guild member.
type Packet struct {
	UserID    string
	Opus      []byte
	Timestamp uint32
	Sequence  uint16
}

// ConnEvent reports a change in the underlying voice connection.
type ConnEvent int

const (
	ConnReady ConnEvent = iota
	ConnReconnecting
	ConnDisconnected
	ConnDestroyed
)

func (e ConnEvent) String() string {
	switch e {
	case ConnReady:
		return "ready"
	case ConnReconnecting:
		return "reconnecting"
	case ConnDisconnected:
		return "disconnected"
	case ConnDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Conn is one guild's voice-channel connection. Subscribe routes a member's
// inbound frames to the caller; Sink plays synthesized audio back into the
// channel.
type Conn interface {
	WaitReady(timeout time.Duration) error
	Events() <-chan ConnEvent
	Subscribe(userID string) (<-chan Packet, func())
	Sink() realtime.Sink
	Close() error
}

// Transport joins voice channels. The Discord implementation is
// DiscordTransport; tests substitute their own.
type Transport interface {
	Join(guildID, channelID string) (Conn, error)
}

// DiscordTransport joins Discord voice channels over an open gateway
// session.
type DiscordTransport struct {
	discord *discordgo.Session
	log     *log.Logger
}

func NewDiscordTransport(discord *discordgo.Session, logger *log.Logger) *DiscordTransport {
	return &DiscordTransport{discord: discord, log: logger}
}

func (t *DiscordTransport) Join(guildID, channelID string) (Conn, error) {
	vc, err := t.discord.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("join voice channel: %w", err)
	}
	t.log.Info("joined voice channel", "guild", guildID, "channel", channelID)

	conn := &discordConn{
		vc:      vc,
		log:     t.log,
		guildID: guildID,
		// 3 second audio buffer
		inbound: make(chan *discordgo.Packet, 3*1000/20),
		events:  make(chan ConnEvent, 8),
		subs:    make(map[string]chan Packet),
		stop:    make(chan struct{}),
	}
	conn.sink = newDiscordSink(vc, t.log)

	vc.AddHandler(conn.handleSpeakingUpdate)

	go conn.acceptInbound()
	go conn.demuxInbound()
	go conn.watchReady()

	return conn, nil
}

type discordConn struct {
	vc      *discordgo.VoiceConnection
	log     *log.Logger
	guildID string
	sink    *discordSink

	inbound chan *discordgo.Packet
	events  chan ConnEvent

	mu      sync.RWMutex
	ssrcUID map[uint32]string
	subs    map[string]chan Packet

	stopOnce sync.Once
	stop     chan struct{}
}

// handleSpeakingUpdate learns which member owns which SSRC. Frames from an
// SSRC with no known member are dropped until the mapping arrives.
func (c *discordConn) handleSpeakingUpdate(_ *discordgo.VoiceConnection, v *discordgo.VoiceSpeakingUpdate) {
	c.mu.Lock()
	if c.ssrcUID == nil {
		c.ssrcUID = make(map[uint32]string)
	}
	c.ssrcUID[uint32(v.SSRC)] = v.UserID
	c.mu.Unlock()
	c.log.Debug("speaking update", "guild", c.guildID, "user", v.UserID, "ssrc", v.SSRC)
}

func (c *discordConn) acceptInbound() {
	for packet := range c.vc.OpusRecv {
		select {
		case c.inbound <- packet:
			// good
		case <-c.stop:
			return
		default:
			c.log.Warn("voice packet channel full, dropping packet", "guild", c.guildID)
		}
	}
}

func (c *discordConn) demuxInbound() {
	for {
		select {
		case <-c.stop:
			return
		case packet := <-c.inbound:
			c.mu.RLock()
			userID, known := c.ssrcUID[packet.SSRC]
			sub, wanted := c.subs[userID]
			c.mu.RUnlock()
			if !known {
				c.log.Debug("user id not found", "ssrc", int(packet.SSRC))
				continue
			}
			if !wanted {
				continue
			}
			select {
			case sub <- Packet{
				UserID:    userID,
				Opus:      packet.Opus,
				Timestamp: packet.Timestamp,
				Sequence:  packet.Sequence,
			}:
			default:
				c.log.Warn("subscriber channel full, dropping packet", "guild", c.guildID, "user", userID)
			}
		}
	}
}

// watchReady polls the connection's ready flag and translates transitions
// into events. discordgo exposes no reconnect callback, so polling is the
// only portable signal.
func (c *discordConn) watchReady() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	last := c.vc.Ready
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ready := c.vc.Ready
			if ready == last {
				continue
			}
			last = ready
			if ready {
				c.emit(ConnReady)
			} else {
				c.emit(ConnDisconnected)
			}
		}
	}
}

func (c *discordConn) emit(ev ConnEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping connection event", "guild", c.guildID, "event", ev)
	}
}

// emitDestroyed never drops: losing the terminal event would skip guild
// teardown. A full buffer sheds its oldest queued event instead.
func (c *discordConn) emitDestroyed() {
	for {
		select {
		case c.events <- ConnDestroyed:
			return
		default:
		}
		select {
		case old := <-c.events:
			c.log.Warn("displacing connection event", "guild", c.guildID, "event", old)
		default:
		}
	}
}

func (c *discordConn) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.vc.Ready {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return ErrConnectTimeout
}

func (c *discordConn) Events() <-chan ConnEvent {
	return c.events
}

func (c *discordConn) Subscribe(userID string) (<-chan Packet, func()) {
	// 3 second audio buffer per subscriber
	ch := make(chan Packet, 3*1000/20)
	c.mu.Lock()
	c.subs[userID] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if c.subs[userID] == ch {
			delete(c.subs, userID)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *discordConn) Sink() realtime.Sink {
	return c.sink
}

func (c *discordConn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.sink.Stop()
		c.emitDestroyed()
		if derr := c.vc.Disconnect(); derr != nil {
			err = fmt.Errorf("disconnect voice channel: %w", derr)
		}
		c.log.Info("left voice channel", "guild", c.guildID)
	})
	return err
}

// discordSink encodes PCM16 stereo 48 kHz and streams it into the voice
// channel as 20 ms opus frames. One playback runs at a time; Stop aborts
// the current one between frames.
type discordSink struct {
	vc  *discordgo.VoiceConnection
	log *log.Logger

	mu   sync.Mutex
	stop chan struct{}
}

func newDiscordSink(vc *discordgo.VoiceConnection, logger *log.Logger) *discordSink {
	return &discordSink{vc: vc, log: logger}
}

func (s *discordSink) Play(pcm []byte) error {
	stop := make(chan struct{})
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
	}
	s.stop = stop
	s.mu.Unlock()

	encoder, err := gopus.NewEncoder(audio.TransportSampleRate, audio.TransportChannels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}

	if err := s.vc.Speaking(true); err != nil {
		return fmt.Errorf("set speaking state: %w", err)
	}
	defer func() {
		if err := s.vc.Speaking(false); err != nil {
			s.log.Warn("clear speaking state", "error", err)
		}
	}()

	samples := audio.BytesToSamples(pcm)
	frame := audio.FrameSize * audio.TransportChannels
	for off := 0; off < len(samples); off += frame {
		end := off + frame
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[off:end]
		if len(chunk) < frame {
			// Pad the final frame with silence; opus wants full frames.
			padded := make([]int16, frame)
			copy(padded, chunk)
			chunk = padded
		}

		opusData, err := encoder.Encode(chunk, audio.FrameSize, 128000)
		if err != nil {
			s.log.Error("encode pcm frame", "error", err)
			continue
		}

		select {
		case <-stop:
			return nil
		case s.vc.OpusSend <- opusData:
		}
	}
	return nil
}

func (s *discordSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
