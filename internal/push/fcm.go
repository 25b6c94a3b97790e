// Package push delivers rider notifications through Firebase Cloud Messaging.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"busmate-tracker/internal/logging"
)

var (
	// ErrInvalidToken means the device token is unknown or expired.
	ErrInvalidToken = errors.New("invalid push token")
	// ErrUnavailable is a transient delivery failure worth retrying.
	ErrUnavailable = errors.New("push provider unavailable")
)

// Sender delivers one message and returns the provider message ID.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// FCM is a client for the FCM HTTP v1 send endpoint.
type FCM struct {
	endpoint  string
	projectID string
	token     string
	client    *http.Client
	logger    *slog.Logger
}

func NewFCM(endpoint, projectID, accessToken string, logger *slog.Logger) *FCM {
	return &FCM{
		endpoint:  strings.TrimRight(endpoint, "/"),
		projectID: projectID,
		token:     accessToken,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logging.Component(logger, "push"),
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
	APNS         fcmAPNS           `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority     string                 `json:"priority"`
	TTL          string                 `json:"ttl"`
	Notification fcmAndroidNotification `json:"notification"`
}

type fcmAndroidNotification struct {
	ChannelID   string `json:"channel_id"`
	Sound       string `json:"sound"`
	ClickAction string `json:"click_action"`
	Visibility  string `json:"visibility"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers"`
	Payload struct {
		APS fcmAPS `json:"aps"`
	} `json:"payload"`
}

type fcmAPS struct {
	Alert          fcmNotification `json:"alert"`
	Sound          string          `json:"sound"`
	Badge          int             `json:"badge"`
	ContentAvail   int             `json:"content-available"`
	MutableContent int             `json:"mutable-content"`
}

type fcmError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func buildRequest(msg Message) fcmRequest {
	iosSound := msg.Sound
	if iosSound != defaultSound && iosSound != "" {
		iosSound += ".wav"
	}
	req := fcmRequest{Message: fcmMessage{
		Token:        msg.Token,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Android: fcmAndroid{
			Priority: "high",
			TTL:      "60s",
			Notification: fcmAndroidNotification{
				ChannelID:   "busmate",
				Sound:       msg.Sound,
				ClickAction: "FLUTTER_NOTIFICATION_CLICK",
				Visibility:  "PUBLIC",
			},
		},
		APNS: fcmAPNS{Headers: map[string]string{"apns-priority": "10", "apns-expiration": "60"}},
	}}
	req.Message.APNS.Payload.APS = fcmAPS{
		Alert:          fcmNotification{Title: msg.Title, Body: msg.Body},
		Sound:          iosSound,
		Badge:          1,
		ContentAvail:   1,
		MutableContent: 1,
	}
	return req
}

func (f *FCM) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Token == "" {
		return "", ErrInvalidToken
	}
	payload, err := json.Marshal(buildRequest(msg))
	if err != nil {
		return "", fmt.Errorf("marshal fcm message: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", f.endpoint, f.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, f.logger, "fcm response body")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		var ok struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &ok); err != nil {
			return "", fmt.Errorf("decode fcm response: %w", err)
		}
		return ok.Name, nil
	}
	return "", classify(resp.StatusCode, body)
}

func classify(status int, body []byte) error {
	var e fcmError
	_ = json.Unmarshal(body, &e)
	code := e.Error.Status
	for _, d := range e.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
		}
	}
	switch {
	case code == "UNREGISTERED" || status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrInvalidToken, code)
	case code == "INVALID_ARGUMENT" && strings.Contains(strings.ToLower(e.Error.Message), "token"):
		return fmt.Errorf("%w: %s", ErrInvalidToken, e.Error.Message)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: http status %d %s", ErrUnavailable, status, code)
	default:
		return fmt.Errorf("fcm send failed: http status %d %s", status, code)
	}
}
