package proto

import (
	"encoding/json"
	"fmt"
)

// FrameType tags every frame on the push transport. The first group is
// membership control, the second is data addressing.
type FrameType string

const (
	FrameCreated    FrameType = "WINDOW_CREATED"
	FrameUpdate     FrameType = "WINDOW_UPDATE"
	FrameKilled     FrameType = "WINDOW_KILLED"
	FrameReport     FrameType = "REPORT_WINDOW"
	FrameRequestAll FrameType = "REQUEST_ALL_WINDOWS"

	FrameSpecificWindow   FrameType = "SPECIFIC_WINDOW"
	FrameSpecificListener FrameType = "SPECIFIC_LISTENER"
	FrameAllListeners     FrameType = "ALL_LISTENERS"
)

func (t FrameType) IsControl() bool {
	switch t {
	case FrameCreated, FrameUpdate, FrameKilled, FrameReport, FrameRequestAll:
		return true
	}
	return false
}

func (t FrameType) Valid() bool {
	switch t {
	case FrameSpecificWindow, FrameSpecificListener, FrameAllListeners:
		return true
	}
	return t.IsControl()
}

// Frame is the wire type published on the broadcast channel.
type Frame struct {
	ID          string          `json:"id"`
	Type        FrameType       `json:"type"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"` // SPECIFIC_WINDOW
	Listener    string          `json:"listener,omitempty"`    // SPECIFIC_LISTENER
	Event       string          `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TS          int64           `json:"ts"`
}

// DecodeFrame parses and validates one frame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	if f.ID == "" || f.SenderID == "" {
		return Frame{}, fmt.Errorf("frame missing id or sender")
	}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}
