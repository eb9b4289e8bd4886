package httpapi

import (
	"encoding/json"
	"strings"
)

// Event types produced by ClassifyEvent.
const (
	EventTypeTelephonySession = "telephony_session"
	EventTypeSMS              = "sms"
	EventTypeVoicemail        = "voicemail"
	EventTypeFax              = "fax"
	EventTypeMessage          = "message"
	EventTypePresence         = "presence"
	EventTypeMeeting          = "meeting"
	EventTypeRecording        = "recording"
	EventTypeUnknown          = "unknown"
)

// KnownEventTypes lists every type ClassifyEvent can return except unknown.
var KnownEventTypes = []string{
	EventTypeTelephonySession,
	EventTypeSMS,
	EventTypeVoicemail,
	EventTypeFax,
	EventTypeMessage,
	EventTypePresence,
	EventTypeMeeting,
	EventTypeRecording,
}

// providerIDKeys are checked in order for a provider supplied event id.
var providerIDKeys = []string{"uuid", "eventId", "event_id", "id"}

// ClassifyEvent maps a notification to an event type using its "event"
// filter path and, for message store events, the message type in "body".
func ClassifyEvent(data map[string]any) string {
	event, _ := data["event"].(string)
	switch {
	case strings.Contains(event, "/telephony/sessions"):
		return EventTypeTelephonySession
	case strings.Contains(event, "/message-store"):
		body, _ := data["body"].(map[string]any)
		messageType, _ := body["type"].(string)
		switch messageType {
		case "SMS":
			return EventTypeSMS
		case "VoiceMail":
			return EventTypeVoicemail
		case "Fax":
			return EventTypeFax
		}
		return EventTypeMessage
	case strings.Contains(event, "/presence"):
		return EventTypePresence
	case strings.Contains(event, "/meeting"):
		return EventTypeMeeting
	case strings.Contains(event, "/call-log"),
		strings.Contains(event, "/call-recording"),
		strings.Contains(event, "/recording"):
		return EventTypeRecording
	}
	return EventTypeUnknown
}

// ProviderID returns the first non-empty id field of the notification, or
// "" when it carries none.
func ProviderID(data map[string]any) string {
	for _, key := range providerIDKeys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			if v != "0" {
				return v.String()
			}
		case bool:
			if v {
				return "true"
			}
		}
	}
	return ""
}
