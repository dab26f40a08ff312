package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

// PushGateway posts notifications to a push provider's HTTP endpoint in the
// FCM v1 message shape. It is the fallback for drivers without a live session.
type PushGateway struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushGateway(endpoint, key string) *PushGateway {
	return &PushGateway{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushGateway) OfferRide(ctx context.Context, msg OfferMessage) error {
	return p.post(ctx, msg.DriverID, msg.Type, msg)
}

func (p *PushGateway) OfferResult(ctx context.Context, msg ResultMessage) error {
	return p.post(ctx, msg.DriverID, msg.Type, msg)
}

func (p *PushGateway) RideCancelled(ctx context.Context, msg CancelMessage) error {
	return p.post(ctx, msg.DriverID, msg.Type, msg)
}

func (p *PushGateway) post(ctx context.Context, driverID models.DriverID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body := map[string]any{
		"message": map[string]any{
			"topic": "driver-" + string(driverID),
			"data":  map[string]string{"type": kind, "payload": string(data)},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s to %s: status %d", kind, driverID, resp.StatusCode)
	}
	return nil
}
