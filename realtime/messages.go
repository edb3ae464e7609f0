package realtime

// Wire envelope for the realtime speech service. Every message is a JSON
// object with a "type" discriminator.

// Outbound message kinds.
const (
	kindSessionUpdate = "session.update"
	kindAudioAppend   = "input_audio_buffer.append"
	kindAudioCommit   = "input_audio_buffer.commit"
	kindItemCreate    = "conversation.item.create"
	kindResponse      = "response.create"
	kindCancel        = "response.cancel"
)

// Inbound event kinds.
const (
	kindSessionCreated  = "session.created"
	kindSessionUpdated  = "session.updated"
	kindAudioDelta      = "response.audio.delta"
	kindTranscriptDelta = "response.audio_transcript.delta"
	kindTranscriptDone  = "response.audio_transcript.done"
	kindSpeechStarted   = "input_audio_buffer.speech_started"
	kindSpeechStopped   = "input_audio_buffer.speech_stopped"
	kindUserTranscript  = "conversation.item.input_audio_transcription.completed"
	kindError           = "error"
)

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	TurnDetection           turnDetection       `json:"turn_detection"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// bareEvent is an outbound message carrying only its discriminator.
type bareEvent struct {
	Type string `json:"type"`
}

// serverEvent is the superset of inbound payload fields the session cares
// about; unknown kinds are ignored for forward compatibility.
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
