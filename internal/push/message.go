package push

import (
	"fmt"
	"math"
	"strings"

	"busmate-tracker/internal/model"
)

const (
	ArrivalTitle      = "Bus Approaching!"
	VoiceNotification = "Voice Notification"
	TextNotification  = "Text Notification"
	defaultLanguage   = "english"
	defaultSound      = "default"
)

var voiceLanguages = map[string]bool{
	"english": true, "hindi": true, "tamil": true,
	"telugu": true, "kannada": true, "malayalam": true,
}

// Message is a provider-neutral push notification.
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
	// Sound names the bundled audio clip without extension, or "default".
	Sound string
}

// SoundFor maps a rider's language to the bundled voice clip.
func SoundFor(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if !voiceLanguages[lang] {
		lang = defaultLanguage
	}
	return "notification_" + lang
}

// ArrivalMessage builds the bus-approaching notification for a rider.
func ArrivalMessage(r model.Rider, minutes float64) Message {
	body := fmt.Sprintf("Bus will arrive in approximately %d minutes.", int(math.Round(minutes)))
	voice := strings.EqualFold(strings.TrimSpace(r.NotificationType), VoiceNotification)

	kind, sound := TextNotification, defaultSound
	if voice {
		kind, sound = VoiceNotification, SoundFor(r.LanguagePreference)
	}
	lang := r.LanguagePreference
	if lang == "" {
		lang = defaultLanguage
	}
	return Message{
		Token: r.FCMToken,
		Title: ArrivalTitle,
		Body:  body,
		Sound: sound,
		Data: map[string]string{
			"type":             "bus_arrival",
			"title":            ArrivalTitle,
			"body":             body,
			"studentId":        r.ID,
			"notificationType": kind,
			"selectedLanguage": lang,
		},
	}
}
