// Package protocol implements the Jupyter messaging format used between
// clients, the gateway and kernels.
//
// A Message is encoded as a single JSON object:
//
//	{"channel":"shell","header":{...},"parent_header":{...},"metadata":{},"content":{...}}
//
// Encoding is deterministic: the same logical message always produces the
// same bytes. No field (including header.date) is filled in implicitly.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the messaging protocol version stamped on new headers.
const Version = "5.3"

// Channel is one of the protocol's logical channels.
type Channel string

const (
	ChannelShell     Channel = "shell"
	ChannelIOPub     Channel = "iopub"
	ChannelStdin     Channel = "stdin"
	ChannelControl   Channel = "control"
	ChannelHeartbeat Channel = "hb"
)

// Valid reports whether c is a known channel. The empty channel is valid
// and means "unspecified".
func (c Channel) Valid() bool {
	switch c {
	case "", ChannelShell, ChannelIOPub, ChannelStdin, ChannelControl, ChannelHeartbeat:
		return true
	}
	return false
}

// Header identifies a message.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Message is a decoded protocol message. Treat it as immutable once sent.
type Message struct {
	Channel Channel
	Header  Header
	// Parent is the header of the request that caused this message; nil
	// for requests.
	Parent   *Header
	Metadata json.RawMessage
	Content  json.RawMessage
}

// MsgID returns header.msg_id.
func (m *Message) MsgID() string { return m.Header.MsgID }

// MsgType returns header.msg_type.
func (m *Message) MsgType() string { return m.Header.MsgType }

// SessionID returns header.session.
func (m *Message) SessionID() string { return m.Header.Session }

// ParentID returns parent_header.msg_id, or "" when there is no parent.
func (m *Message) ParentID() string {
	if m.Parent == nil {
		return ""
	}
	return m.Parent.MsgID
}

// WithChannel returns a shallow copy of m routed to channel c.
func (m *Message) WithChannel(c Channel) *Message {
	cp := *m
	cp.Channel = c
	return &cp
}

// NewMessage builds a request message with a fresh msg_id.
func NewMessage(channel Channel, msgType, session string, content any) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		Channel: channel,
		Header: Header{
			MsgID:   uuid.New().String(),
			MsgType: msgType,
			Session: session,
			Version: Version,
		},
		Content: raw,
	}, nil
}

// NewReply builds a message caused by parent. The parent's header becomes
// this message's parent_header.
func NewReply(parent *Message, channel Channel, msgType, session string, content any) (*Message, error) {
	msg, err := NewMessage(channel, msgType, session, content)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		ph := parent.Header
		msg.Parent = &ph
	}
	return msg, nil
}

// DecodeContent unmarshals the message content into v.
func DecodeContent(m *Message, v any) error {
	if len(m.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.MsgType(), err)
	}
	return nil
}

func marshalContent(content any) (json.RawMessage, error) {
	if content == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := content.(json.RawMessage); ok {
		return compact(raw)
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return data, nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
