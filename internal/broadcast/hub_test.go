package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

func decode(t *testing.T, b []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestHubDeliversOnlyToChannelMembers(t *testing.T) {
	h := NewHub(nil, nil)
	a := h.Register("u1")
	b := h.Register("u2")
	if err := h.Subscribe("ride-r1", a.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.Subscribe("ride-r2", b.ID); err != nil {
		t.Fatal(err)
	}

	_ = h.Publish(context.Background(), "ride-r1", EventDriverAssigned, map[string]string{"ride_id": "r1"})

	select {
	case msg := <-a.Messages():
		env := decode(t, msg)
		if env.Event != EventDriverAssigned || env.Channel != "ride-r1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	default:
		t.Fatal("member did not receive event")
	}
	select {
	case <-b.Messages():
		t.Fatal("non-member received event")
	default:
	}
}

func TestHubSubscribeIsIdempotent(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Register("u1")
	_ = h.Subscribe("driver-d1", c.ID)
	_ = h.Subscribe("driver-d1", c.ID)
	if n := h.Subscribers("driver-d1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	_ = h.Publish(context.Background(), "driver-d1", EventRideRequested, nil)
	if len(c.Messages()) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(c.Messages()))
	}
	_ = h.Unsubscribe("driver-d1", c.ID)
	_ = h.Unsubscribe("driver-d1", c.ID)
	if n := h.Subscribers("driver-d1"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestHubUnknownSession(t *testing.T) {
	h := NewHub(nil, nil)
	if err := h.Subscribe("ride-1", "nope"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestHubSlowClientDoesNotBlockPublisher(t *testing.T) {
	h := NewHub(nil, nil)
	slow := h.Register("slow")
	fast := h.Register("fast")
	_ = h.Subscribe("ride-r1", slow.ID)
	_ = h.Subscribe("ride-r1", fast.ID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			_ = h.Publish(context.Background(), "ride-r1", EventRideStatusUpdate, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full client queue")
	}
	if len(slow.Messages()) != sendBuffer {
		t.Fatalf("expected queue capped at %d, got %d", sendBuffer, len(slow.Messages()))
	}
}

func TestHubUnregisterDropsMemberships(t *testing.T) {
	h := NewHub(nil, nil)
	c := h.Register("u1")
	_ = h.Subscribe("ride-r1", c.ID)
	_ = h.Subscribe("driver-d1", c.ID)
	h.Unregister(c.ID)
	h.Unregister(c.ID)
	if h.Subscribers("ride-r1") != 0 || h.Subscribers("driver-d1") != 0 {
		t.Fatal("memberships survived unregister")
	}
}

func TestHandleFrameAuthorization(t *testing.T) {
	h := NewHub(nil, func(_ context.Context, userID, channel string) bool {
		return channel == "ride-mine"
	})
	c := h.Register("u1")

	if got := h.handleFrame(c, frame{Type: "subscribe", Channel: "ride-other"}); got.Type != "error" {
		t.Fatalf("expected error frame, got %+v", got)
	}
	if got := h.handleFrame(c, frame{Type: "subscribe", Channel: "ride-mine"}); got.Type != "subscribed" {
		t.Fatalf("expected subscribed, got %+v", got)
	}
	if got := h.handleFrame(c, frame{Type: "subscribe"}); got.Type != "error" {
		t.Fatalf("expected error for empty channel, got %+v", got)
	}
	if got := h.handleFrame(c, frame{Type: "unsubscribe", Channel: "ride-mine"}); got.Type != "unsubscribed" {
		t.Fatalf("expected unsubscribed, got %+v", got)
	}
}

func TestServeOverWebsocket(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Serve(w, r, "u1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var f frame
	if err := conn.ReadJSON(&f); err != nil || f.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v err=%v", f, err)
	}
	if err := conn.WriteJSON(frame{Type: "subscribe", Channel: "ride-r1"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&f); err != nil || f.Type != "subscribed" {
		t.Fatalf("expected subscribed frame, got %+v err=%v", f, err)
	}

	_ = h.Publish(context.Background(), "ride-r1", EventRideStatusUpdate, map[string]string{"status": "STARTED"})
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if env.Event != EventRideStatusUpdate {
		t.Fatalf("unexpected event %q", env.Event)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, string, any) error {
	f.calls++
	return errors.New("down")
}

func TestFanoutSwallowsErrors(t *testing.T) {
	bad := &failingPublisher{}
	h := NewHub(nil, nil)
	c := h.Register("u1")
	_ = h.Subscribe("ride-r1", c.ID)

	f := NewFanout(nil, bad, h)
	if err := f.Publish(context.Background(), "ride-r1", EventDriverAssigned, nil); err != nil {
		t.Fatalf("fanout returned error: %v", err)
	}
	if bad.calls != 1 || len(c.Messages()) != 1 {
		t.Fatalf("expected both publishers invoked, bad=%d hub=%d", bad.calls, len(c.Messages()))
	}
}

func TestParseChannel(t *testing.T) {
	cases := []struct {
		in       string
		kind, id string
		ok       bool
	}{
		{"ride-abc", "ride", "abc", true},
		{"driver-d1", "driver", "d1", true},
		{"pool-economy", "pool", "economy", true},
		{"pool-", "", "", false},
		{"ride-", "", "", false},
		{"lobby", "", "", false},
	}
	for _, tc := range cases {
		kind, id, ok := ParseChannel(tc.in)
		if kind != tc.kind || id != tc.id || ok != tc.ok {
			t.Errorf("ParseChannel(%q) = %q,%q,%v", tc.in, kind, id, ok)
		}
	}
}

type captureWriter struct{ msgs []kafka.Message }

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}
func (c *captureWriter) Close() error { return nil }

func TestKafkaSinkKeysByChannel(t *testing.T) {
	w := &captureWriter{}
	k := &KafkaSink{writer: w, now: time.Now}
	if err := k.Publish(context.Background(), "ride-r9", EventRideStatusUpdate, map[string]string{"status": "ARRIVED"}); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "ride-r9" {
		t.Fatalf("unexpected key %q", m.Key)
	}
	if env := decode(t, m.Value); env.Event != EventRideStatusUpdate {
		t.Fatalf("unexpected event %q", env.Event)
	}
}
