package chatsync

import (
	"time"

	"github.com/tidwall/gjson"
)

// NormalizeContent flattens a message content value to a string.
// Strings are kept, objects contribute their "text" or "content" field,
// anything else is rendered as its JSON text.
func NormalizeContent(v gjson.Result) string {
	switch {
	case !v.Exists(), v.Type == gjson.Null:
		return ""
	case v.Type == gjson.String:
		return v.Str
	case v.IsObject():
		for _, key := range []string{"text", "content"} {
			if f := v.Get(key); f.Exists() && f.Type != gjson.Null {
				if s := NormalizeContent(f); s != "" {
					return s
				}
			}
		}
		return v.Raw
	default:
		return v.Raw
	}
}

// parseUser reads a user reference given either as a bare id string or as
// a populated object.
func parseUser(v gjson.Result) UserRef {
	if v.Type == gjson.String {
		return UserRef{ID: v.Str}
	}
	if !v.IsObject() {
		return UserRef{}
	}
	return UserRef{
		ID:   firstString(v, "id", "_id", "userId"),
		Name: firstString(v, "name", "username", "displayName"),
	}
}

// firstString returns the first non-empty string field among keys. Values
// of any other JSON type are skipped.
func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if f := v.Get(k); f.Type == gjson.String && f.Str != "" {
			return f.Str
		}
	}
	return ""
}

func parseTimestamp(v gjson.Result, fallback time.Time) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC()
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t
			}
		}
	}
	return fallback
}

// ParseInboundMessage decodes a new_message payload. Both the flat form and
// the {chatId, message} wrapper are accepted. A payload without id,
// conversation id or sender yields a *MalformedPayloadError.
func ParseInboundMessage(data []byte, now time.Time) (Message, error) {
	return parseMessage(data, "", now)
}

// parseMessage is ParseInboundMessage with a conversation id used when the
// payload carries none, as in per-conversation history responses.
func parseMessage(data []byte, conversationID string, now time.Time) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, &MalformedPayloadError{Event: EventNewMessage, Missing: []string{"json"}}
	}
	root := gjson.ParseBytes(data)
	body := root
	if inner := root.Get("message"); inner.IsObject() {
		body = inner
	}

	msg := Message{
		ID:             firstString(body, "id", "_id"),
		CorrelationID:  firstString(body, "correlationId", "tempId", "temp_id"),
		ConversationID: firstString(body, "conversationId", "chatId", "chat"),
		Type:           firstString(body, "type"),
	}
	if msg.ConversationID == "" {
		msg.ConversationID = firstString(root, "chatId", "conversationId")
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	msg.Sender = parseUser(body.Get("sender"))
	if msg.Sender.ID == "" {
		msg.Sender.ID = firstString(body, "senderId")
	}

	content := body.Get("content")
	if !content.Exists() {
		content = body.Get("text")
	}
	msg.Content = NormalizeContent(content)
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	msg.CreatedAt = parseTimestamp(body.Get("createdAt"), now)

	var missing []string
	if msg.ID == "" {
		missing = append(missing, "id")
	}
	if msg.ConversationID == "" {
		missing = append(missing, "conversationId")
	}
	if msg.Sender.ID == "" {
		missing = append(missing, "sender")
	}
	if len(missing) > 0 {
		return Message{}, &MalformedPayloadError{Event: EventNewMessage, Missing: missing}
	}
	return msg, nil
}
