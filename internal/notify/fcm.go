package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// FCMPusher posts JSON messages to an FCM HTTP v1 style endpoint.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message fcmBody `json:"message"`
}

type fcmBody struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

func (f *FCMPusher) Push(ctx context.Context, token string, n models.Notification) error {
	msg := fcmMessage{Message: fcmBody{
		Token:        token,
		Notification: fcmNotification{Title: n.Title, Body: n.Event.Reason},
		Data: map[string]string{
			"type":    string(n.Event.Type),
			"ride_id": n.Event.RideID,
			"status":  string(n.Event.Status),
		},
	}}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode fcm message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm returned status %d", resp.StatusCode)
	}
	return nil
}

// TokenStore resolves the device tokens registered for a user.
type TokenStore interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
}

// Push delivers to every device of the user through FCM. A user without
// devices is not an error.
type Push struct {
	Tokens TokenStore
	Pusher *FCMPusher
}

func (p *Push) Notify(ctx context.Context, n models.Notification) error {
	tokens, err := p.Tokens.DeviceTokens(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("device tokens for %s: %w", n.UserID, err)
	}
	var errs []error
	for _, tok := range tokens {
		if err := p.Pusher.Push(ctx, tok, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
