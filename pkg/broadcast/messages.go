package broadcast

import (
	"encoding/json"

	"github.com/harunnryd/callbridge/pkg/session"
)

// Message type tags sent to observers.
const (
	TypeTranscription        = "transcription"
	TypeAudioStream          = "audioStream"
	TypeCallStatus           = "callStatus"
	TypeMediaStatus          = "mediaStatus"
	TypeTranscriptions       = "transcriptions"
	TypeTranscriptionCleared = "transcriptionCleared"
	TypeClientDisconnected   = "clientDisconnected"
	TypeError                = "error"
)

type Transcription struct {
	Type    string          `json:"type"`
	CallID  string          `json:"callId"`
	Text    string          `json:"text"`
	Speaker session.Speaker `json:"speaker"`
}

type AudioStream struct {
	Type       string `json:"type"`
	CallID     string `json:"callId"`
	SampleRate int    `json:"sampleRate"`
	Data       string `json:"data"`
}

// AgentAudioFrame mirrors the provider's outbound media frame so observers
// can relay it unchanged. StopAudio is always serialised as null.
type AgentAudioFrame struct {
	Kind      string         `json:"Kind"`
	AudioData AgentAudioData `json:"AudioData"`
	StopAudio *struct{}      `json:"StopAudio"`
}

type AgentAudioData struct {
	Data string `json:"Data"`
}

// Status is shared by callStatus and mediaStatus events.
type Status struct {
	Type             string `json:"type"`
	Status           string `json:"status"`
	CallID           string `json:"callId"`
	CallConnectionID string `json:"callConnectionId,omitempty"`
	Error            string `json:"error,omitempty"`
	To               string `json:"to,omitempty"`
	From             string `json:"from,omitempty"`
}

type Transcriptions struct {
	Type   string                    `json:"type"`
	CallID string                    `json:"callId,omitempty"`
	Data   []session.TranscriptEntry `json:"data"`
}

type TranscriptionCleared struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
}

type ClientDisconnected struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewTranscription(callID string, entry session.TranscriptEntry) Transcription {
	return Transcription{Type: TypeTranscription, CallID: callID, Text: entry.Text, Speaker: entry.Speaker}
}

func NewAudioStream(callID string, sampleRate int, data string) AudioStream {
	return AudioStream{Type: TypeAudioStream, CallID: callID, SampleRate: sampleRate, Data: data}
}

func NewAgentAudioFrame(data string) AgentAudioFrame {
	return AgentAudioFrame{Kind: "AudioData", AudioData: AgentAudioData{Data: data}}
}

func NewCallStatus(callID, status, controlID string) Status {
	return Status{Type: TypeCallStatus, Status: status, CallID: callID, CallConnectionID: controlID}
}

// NewMediaStatus builds a mediaStatus event; errMsg is only set on failure.
func NewMediaStatus(callID, status, errMsg string) Status {
	return Status{Type: TypeMediaStatus, Status: status, CallID: callID, Error: errMsg}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

// Encode marshals an outbound message. Every message type here is a plain
// struct, so a marshal failure is a programming error and yields nil.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
