package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmate-tracker/internal/model"
)

func TestArrivalMessage(t *testing.T) {
	voice := ArrivalMessage(model.Rider{ID: "st1", FCMToken: "tok", NotificationType: "voice notification", LanguagePreference: "Tamil"}, 8.6)
	assert.Equal(t, "tok", voice.Token)
	assert.Equal(t, ArrivalTitle, voice.Title)
	assert.Equal(t, "Bus will arrive in approximately 9 minutes.", voice.Body)
	assert.Equal(t, "notification_tamil", voice.Sound)
	assert.Equal(t, VoiceNotification, voice.Data["notificationType"])
	assert.Equal(t, "Tamil", voice.Data["selectedLanguage"])
	assert.Equal(t, "bus_arrival", voice.Data["type"])
	assert.Equal(t, "st1", voice.Data["studentId"])

	text := ArrivalMessage(model.Rider{ID: "st2", FCMToken: "tok"}, 3)
	assert.Equal(t, "default", text.Sound)
	assert.Equal(t, TextNotification, text.Data["notificationType"])
	assert.Equal(t, "english", text.Data["selectedLanguage"])
}

func TestSoundFor(t *testing.T) {
	assert.Equal(t, "notification_hindi", SoundFor("HINDI"))
	assert.Equal(t, "notification_english", SoundFor("klingon"))
	assert.Equal(t, "notification_english", SoundFor(""))
}

func TestFCMSend(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj/messages:send", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		_, _ = w.Write([]byte(`{"name":"projects/proj/messages/42"}`))
	}))
	defer srv.Close()

	f := NewFCM(srv.URL+"/", "proj", "secret", nil)
	msg := ArrivalMessage(model.Rider{ID: "st1", FCMToken: "tok", NotificationType: VoiceNotification, LanguagePreference: "kannada"}, 5)
	id, err := f.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "projects/proj/messages/42", id)

	m := body["message"].(map[string]any)
	assert.Equal(t, "tok", m["token"])
	android := m["android"].(map[string]any)["notification"].(map[string]any)
	assert.Equal(t, "notification_kannada", android["sound"])
	aps := m["apns"].(map[string]any)["payload"].(map[string]any)["aps"].(map[string]any)
	assert.Equal(t, "notification_kannada.wav", aps["sound"])
}

func TestFCMSendErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unregistered", http.StatusNotFound, `{"error":{"code":404,"status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`, ErrInvalidToken},
		{"bad token", http.StatusBadRequest, `{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"The registration token is not a valid FCM registration token"}}`, ErrInvalidToken},
		{"unavailable", http.StatusServiceUnavailable, `{"error":{"code":503,"status":"UNAVAILABLE"}}`, ErrUnavailable},
		{"quota", http.StatusTooManyRequests, `{}`, ErrUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			_, err := NewFCM(srv.URL, "proj", "secret", nil).Send(context.Background(), Message{Token: "tok"})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := NewFCM("http://unused", "proj", "secret", nil).Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogSender(t *testing.T) {
	id, err := NewLogSender(nil).Send(context.Background(), Message{Token: "tok"})
	require.NoError(t, err)
	assert.Contains(t, id, "log-")
}
