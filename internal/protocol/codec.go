package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed matches every decode/encode validation failure.
var ErrMalformed = errors.New("malformed message")

// MalformedError describes why a frame was rejected.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Field == "" {
		return "malformed message: " + e.Reason
	}
	return fmt.Sprintf("malformed message: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) match.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

type wireMessage struct {
	Channel      Channel         `json:"channel,omitempty"`
	Header       Header          `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header"`
	Metadata     json.RawMessage `json:"metadata"`
	Content      json.RawMessage `json:"content"`
}

var emptyObject = json.RawMessage("{}")

// Encode serializes m. It fails with a *MalformedError when required header
// fields are missing.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, &MalformedError{Reason: "nil message"}
	}
	if err := validate(m.Channel, &m.Header); err != nil {
		return nil, err
	}

	w := wireMessage{
		Channel:      m.Channel,
		Header:       m.Header,
		ParentHeader: emptyObject,
		Metadata:     emptyObject,
		Content:      emptyObject,
	}
	if m.Parent != nil {
		ph, err := json.Marshal(m.Parent)
		if err != nil {
			return nil, fmt.Errorf("encode parent_header: %w", err)
		}
		w.ParentHeader = ph
	}
	if len(m.Metadata) > 0 {
		w.Metadata = m.Metadata
	}
	if len(m.Content) > 0 {
		w.Content = m.Content
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}
	return data, nil
}

// Decode parses a frame produced by Encode (or any Jupyter client). Frames
// missing msg_id, msg_type or session are rejected with a *MalformedError.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}
	if err := validate(w.Channel, &w.Header); err != nil {
		return nil, err
	}

	m := &Message{Channel: w.Channel, Header: w.Header}

	if !isEmptyJSON(w.ParentHeader) {
		var ph Header
		if err := json.Unmarshal(w.ParentHeader, &ph); err != nil {
			return nil, &MalformedError{Field: "parent_header", Reason: err.Error()}
		}
		if ph.MsgID != "" {
			m.Parent = &ph
		}
	}

	if !isEmptyJSON(w.Metadata) {
		md, err := compact(w.Metadata)
		if err != nil {
			return nil, &MalformedError{Field: "metadata", Reason: err.Error()}
		}
		m.Metadata = md
	}

	content, err := compact(w.Content)
	if err != nil {
		return nil, &MalformedError{Field: "content", Reason: err.Error()}
	}
	if bytes.Equal(content, []byte("null")) {
		content = emptyObject
	}
	m.Content = content

	return m, nil
}

func validate(ch Channel, h *Header) error {
	if !ch.Valid() {
		return &MalformedError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", ch)}
	}
	switch {
	case h.MsgID == "":
		return &MalformedError{Field: "header.msg_id", Reason: "required"}
	case h.MsgType == "":
		return &MalformedError{Field: "header.msg_type", Reason: "required"}
	case h.Session == "":
		return &MalformedError{Field: "header.session", Reason: "required"}
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return true
	}
	if len(t) < 2 || t[0] != '{' || t[len(t)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(t[1:len(t)-1])) == 0
}
