package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coltonsteinbeck/silo-sub001/audio"
)

// DefaultURL is the realtime speech service endpoint; the model is passed
// as a query parameter.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// benignCancelCode is returned by the service when a cancel arrives while
// no response is in flight. Barge-in sends cancels unconditionally, so this
// is expected and never surfaced.
const benignCancelCode = "response_cancel_not_active"

// ErrSessionClosed is returned for operations on a closed session.
var ErrSessionClosed = errors.New("realtime session closed")

// State is the protocol connection state of a session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProtocolError is a non-benign error event from the remote service.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime protocol error %s: %s", e.Code, e.Message)
}

// Observer receives the session's out-of-band events. Implementations must
// not block; they are called from the session's read loop. Observers are
// detached when the session closes.
type Observer interface {
	AudioResponse(pcm []byte)
	TranscriptDelta(text string)
	TranscriptDone(text string)
	UserTranscript(text string)
	LinkError(err error)
}

// NopObserver ignores every event. Embed it to implement a partial observer.
type NopObserver struct{}

func (NopObserver) AudioResponse(pcm []byte)    {}
func (NopObserver) TranscriptDelta(text string) {}
func (NopObserver) TranscriptDone(text string)  {}
func (NopObserver) UserTranscript(text string)  {}
func (NopObserver) LinkError(err error)         {}

// Config carries the per-session protocol options.
type Config struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	VADThreshold       float64
	PrefixPadding      time.Duration
	SilenceDuration    time.Duration
	ConnectTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.Instructions == "" {
		c.Instructions = "You are a helpful conversational assistant. Keep replies brief and speakable."
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.5
	}
	if c.PrefixPadding == 0 {
		c.PrefixPadding = 300 * time.Millisecond
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = 500 * time.Millisecond
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// wire is the duplex connection under the session; *websocket.Conn
// satisfies it.
type wire interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialer func(ctx context.Context, cfg Config) (wire, error)

func dialService(ctx context.Context, cfg Config) (wire, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	d := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, _, err := d.DialContext(ctx, cfg.URL+"?model="+cfg.Model, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Session is one duplex streaming-protocol client bound to a single
// participant. It owns its playback queue and codec bridge; both are
// released on every exit path.
type Session struct {
	ID     string
	UserID string

	log    *log.Logger
	cfg    Config
	dial   dialer
	queue  *PlaybackQueue
	bridge *audio.OpusBridge

	mu        sync.Mutex
	state     State
	conn      wire
	listening bool
	observer  Observer

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession builds a session for one participant, wiring its synthesized
// audio to the given sink. It does not connect; call Connect.
func NewSession(userID string, cfg Config, sink Sink, obs Observer, logger *log.Logger) (*Session, error) {
	bridge, err := audio.NewOpusBridge()
	if err != nil {
		return nil, fmt.Errorf("create codec bridge: %w", err)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		log:      logger,
		cfg:      cfg.withDefaults(),
		dial:     dialService,
		queue:    NewPlaybackQueue(sink, logger),
		bridge:   bridge,
		observer: obs,
		done:     make(chan struct{}),
	}, nil
}

// Connect dials the service, sends the configuration message and starts the
// read loop. A session that does not reach Open within the connect timeout
// is torn down; nothing half-initialized survives.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect from state %s", state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, s.cfg)
	if err != nil {
		s.Close()
		return fmt.Errorf("connect realtime session: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	if err := s.sendSessionConfig(); err != nil {
		s.Close()
		return fmt.Errorf("configure realtime session: %w", err)
	}

	s.mu.Lock()
	s.state = StateOpen
	s.listening = true
	s.mu.Unlock()

	go s.readLoop()

	s.log.Info("link open", "session", s.ID, "user", s.UserID, "voice", s.cfg.Voice)
	return nil
}

func (s *Session) sendSessionConfig() error {
	return s.send(sessionUpdate{
		Type: kindSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      s.cfg.Instructions,
			Voice:             s.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionConfig{
				Model: s.cfg.TranscriptionModel,
			},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         s.cfg.VADThreshold,
				PrefixPaddingMs:   int(s.cfg.PrefixPadding.Milliseconds()),
				SilenceDurationMs: int(s.cfg.SilenceDuration.Milliseconds()),
			},
		},
	})
}

func (s *Session) send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// HandleOpusFrame decodes one inbound transport frame, converts it to the
// service format and appends it to the rolling input buffer. Undecodable
// frames are dropped; the session continues.
func (s *Session) HandleOpusFrame(frame []byte) {
	pcm, err := s.bridge.Decode(frame)
	if err != nil {
		s.log.Debug("dropping audio frame", "user", s.UserID, "error", err)
		return
	}
	mono := audio.DownsampleToMono24k(audio.SamplesToBytes(pcm))
	if err := s.AppendAudio(mono); err != nil {
		s.log.Debug("append audio", "user", s.UserID, "error", err)
	}
}

// AppendAudio attaches a PCM16 mono 24 kHz frame to the service's rolling
// input buffer.
func (s *Session) AppendAudio(pcm []byte) error {
	return s.send(audioAppend{
		Type:  kindAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio finalizes the current input buffer as one turn.
func (s *Session) CommitAudio() error {
	return s.send(bareEvent{Type: kindAudioCommit})
}

// CreateUserMessage injects a synthetic user utterance as text.
func (s *Session) CreateUserMessage(text string) error {
	return s.send(itemCreate{
		Type: kindItemCreate,
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// RequestResponse asks the service to generate a reply for the current
// conversation state.
func (s *Session) RequestResponse() error {
	return s.send(bareEvent{Type: kindResponse})
}

// CancelResponse aborts an in-flight generation.
func (s *Session) CancelResponse() error {
	return s.send(bareEvent{Type: kindCancel})
}

// Speak injects text as a user utterance and requests a spoken reply.
func (s *Session) Speak(text string) error {
	if err := s.CreateUserMessage(text); err != nil {
		return err
	}
	return s.RequestResponse()
}

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() == StateOpen {
				s.log.Debug("link read closed", "session", s.ID, "error", err)
			}
			return
		}
		s.handleEvent(data)
	}
}

func (s *Session) handleEvent(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("unparseable event", "session", s.ID, "error", err)
		return
	}

	switch ev.Type {
	case kindSessionCreated, kindSessionUpdated:
		s.log.Debug("session ready", "session", s.ID, "kind", ev.Type)

	case kindAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.log.Warn("bad audio delta", "session", s.ID, "error", err)
			return
		}
		s.queue.Enqueue(pcm)
		s.obs().AudioResponse(append([]byte(nil), pcm...))

	case kindTranscriptDelta:
		s.obs().TranscriptDelta(ev.Delta)

	case kindTranscriptDone:
		s.obs().TranscriptDone(ev.Transcript)

	case kindSpeechStarted:
		s.Interrupt()

	case kindSpeechStopped:
		s.log.Debug("speech stopped", "user", s.UserID)

	case kindUserTranscript:
		s.obs().UserTranscript(ev.Transcript)

	case kindError:
		if ev.Error == nil {
			return
		}
		if ev.Error.Code == benignCancelCode {
			s.log.Debug("cancel with no active response", "session", s.ID)
			return
		}
		s.obs().LinkError(&ProtocolError{Code: ev.Error.Code, Message: ev.Error.Message})

	default:
		// Unknown kinds are ignored so new server events don't break us.
	}
}

// Interrupt implements barge-in: every buffered-but-unplayed chunk is
// discarded, the sink stops, and exactly one cancel goes out. If no
// response was active the service answers with the benign cancel error,
// which handleEvent swallows.
func (s *Session) Interrupt() {
	s.queue.Stop()
	if err := s.CancelResponse(); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn("cancel response", "session", s.ID, "error", err)
	}
}

func (s *Session) obs() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// State reports the protocol connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listening reports whether the session is accepting participant audio.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down: the connection is closed, the playback
// queue cleared, the codec context released and the observer detached.
// Safe on every exit path, including a connect that never reached Open.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.listening = false
		conn := s.conn
		s.conn = nil
		s.observer = NopObserver{}
		s.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug("close link connection", "session", s.ID, "error", err)
			}
		}
		s.queue.Close()
		s.bridge.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)

		s.log.Info("link closed", "session", s.ID, "user", s.UserID)
	})
	return nil
}
