package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher tries the in-process WebSocket session first, then FCM when
// configured, then a generic push provider endpoint.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
	FCM      *FCMDispatcher // optional offline channel
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Push(ctx context.Context, userID string, n Notification) error {
	if p.WS != nil {
		if err := p.WS.Push(ctx, userID, n); err == nil {
			return nil
		}
	}
	if p.FCM != nil {
		return p.FCM.Push(ctx, userID, n)
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]any{"user_id": userID, "notification": n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
