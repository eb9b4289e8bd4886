package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"telephony", `{"event":"/restapi/v1.0/account/~/telephony/sessions"}`, EventTypeTelephonySession},
		{"sms", `{"event":"/restapi/v1.0/account/~/extension/~/message-store","body":{"type":"SMS"}}`, EventTypeSMS},
		{"voicemail", `{"event":"/message-store/instant","body":{"type":"VoiceMail"}}`, EventTypeVoicemail},
		{"fax", `{"event":"/message-store","body":{"type":"Fax"}}`, EventTypeFax},
		{"other message", `{"event":"/message-store","body":{"type":"Pager"}}`, EventTypeMessage},
		{"message without body", `{"event":"/message-store"}`, EventTypeMessage},
		{"presence", `{"event":"/restapi/v1.0/account/~/extension/1/presence?detailedTelephonyState=true"}`, EventTypePresence},
		{"meeting", `{"event":"/restapi/v1.0/account/~/meeting"}`, EventTypeMeeting},
		{"call log", `{"event":"/restapi/v1.0/account/~/call-log"}`, EventTypeRecording},
		{"call recording", `{"event":"/call-recording"}`, EventTypeRecording},
		{"unknown", `{"event":"/restapi/v1.0/glip/posts"}`, EventTypeUnknown},
		{"no event", `{}`, EventTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyEvent(decodeNotification([]byte(tt.data))))
		})
	}
}

func TestProviderID(t *testing.T) {
	assert.Equal(t, "u-1", ProviderID(decodeNotification([]byte(`{"uuid":"u-1","id":"x"}`))))
	assert.Equal(t, "e-2", ProviderID(decodeNotification([]byte(`{"uuid":"","eventId":"e-2"}`))))
	assert.Equal(t, "e-3", ProviderID(decodeNotification([]byte(`{"event_id":"e-3"}`))))
	assert.Equal(t, "12345678901234", ProviderID(decodeNotification([]byte(`{"id":12345678901234}`))))
	assert.Equal(t, "", ProviderID(decodeNotification([]byte(`{"id":0,"body":{"id":"inner"}}`))))
	assert.Equal(t, "", ProviderID(decodeNotification([]byte(`not json`))))
}

func TestDecodeNotification(t *testing.T) {
	assert.Empty(t, decodeNotification(nil))
	assert.Empty(t, decodeNotification([]byte("   ")))
	assert.Empty(t, decodeNotification([]byte(`[1,2]`)))
	assert.Equal(t, "x", decodeNotification([]byte(`{"a":"x"}`))["a"])
}

func TestParseAllowlist(t *testing.T) {
	prefixes, invalid := ParseAllowlist([]string{"104.146.0.0/16", " 10.1.2.3 ", "", "nope", "2001:db8::/32"})
	assert.Equal(t, []string{"nope"}, invalid)
	assert.Len(t, prefixes, 3)

	assert.True(t, ipAllowed("104.146.200.1", prefixes))
	assert.True(t, ipAllowed("10.1.2.3", prefixes))
	assert.False(t, ipAllowed("10.1.2.4", prefixes))
	assert.True(t, ipAllowed("2001:db8::1", prefixes))
	assert.True(t, ipAllowed("::ffff:104.146.0.9", prefixes))
	assert.False(t, ipAllowed("garbage", prefixes))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Real-IP", " 198.51.100.7 ")
	assert.Equal(t, "198.51.100.7", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(r))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"uuid":"evt-1"}`)
	sig := Sign("secret", body)

	assert.Len(t, sig, 64)
	assert.True(t, verifySignature("secret", body, sig))
	assert.False(t, verifySignature("other", body, sig))
	assert.False(t, verifySignature("secret", []byte(`{}`), sig))
	assert.False(t, verifySignature("secret", body, ""))
	assert.False(t, verifySignature("", body, sig))
}
