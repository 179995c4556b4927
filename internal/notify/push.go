package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier posts notifications to a push gateway (FCM-style HTTP API).
// Recipients are addressed by user id; the gateway resolves device tokens.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

func (p *PushNotifier) post(ctx context.Context, msgs ...pushMessage) error {
	for _, m := range msgs {
		if m.To == "" {
			continue
		}
		b, err := json.Marshal(map[string]any{"message": m})
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
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("push gateway status %d", resp.StatusCode)
		}
	}
	return nil
}

func (p *PushNotifier) SendRideConfirmation(ctx context.Context, r *models.Ride) error {
	data := map[string]any{"ride_id": r.ID, "status": r.Status}
	return p.post(ctx,
		pushMessage{To: r.PassengerID, Title: "Driver on the way", Body: "A driver accepted your ride", Data: data},
		pushMessage{To: r.DriverID, Title: "Ride confirmed", Body: "Head to the pickup point", Data: data},
	)
}

func (p *PushNotifier) SendRideUpdate(ctx context.Context, r *models.Ride, message string) error {
	return p.post(ctx, pushMessage{
		To:    r.PassengerID,
		Title: "Ride update",
		Body:  message,
		Data:  map[string]any{"ride_id": r.ID, "status": r.Status},
	})
}

func (p *PushNotifier) SendReceipt(ctx context.Context, rc Receipt) error {
	return p.post(ctx, pushMessage{
		To:    rc.PassengerID,
		Title: "Your receipt",
		Body:  fmt.Sprintf("Total %.2f %s", rc.FinalFare, rc.Currency),
		Data:  map[string]any{"ride_id": rc.RideID, "final_fare": rc.FinalFare},
	})
}
