package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
)

func TestHubDeliversToSubscribers(t *testing.T) {
	hub := NewHub(4)
	ch, cancel := hub.Subscribe()
	defer cancel()

	if err := hub.Publish(context.Background(), Event{Type: TypeAcquired, LeaseID: "lease_1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.LeaseID != "lease_1" || got.Type != TypeAcquired {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event delivery")
	}

	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after cancel")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	cancel()
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		_ = hub.Publish(context.Background(), Event{Type: TypeReleased})
	}
	if len(ch) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(ch))
	}
	if got := testutil.ToFloat64(hub.DroppedCollector()); got != 4 {
		t.Fatalf("expected 4 dropped events exported, got %v", got)
	}
}

func TestRejectedEventOmitsExpiry(t *testing.T) {
	available := 0
	raw, err := json.Marshal(Event{
		Type:      TypeRejected,
		Resource:  "hotel-7:deluxe:2026-05-01:2026-05-04",
		Quantity:  3,
		Available: &available,
		At:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "expires_at") {
		t.Fatalf("expected no expires_at for a rejection, got %s", raw)
	}
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaPublisherKeysByResource(t *testing.T) {
	writer := &recordingWriter{}
	publisher := &KafkaPublisher{writer: writer}

	event := Event{Type: TypeExtended, LeaseID: "lease_9", Resource: "h:double:2026-01-01:2026-01-02", At: time.Unix(10, 0).UTC()}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != event.Resource {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.LeaseID != "lease_9" || decoded.Type != TypeExtended {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	writer.err = errors.New("broker down")
	if err := publisher.Publish(context.Background(), event); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher([]string{" "}, "topic"); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, ""); err == nil {
		t.Fatalf("expected error without topic")
	}
}

func TestMultiReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	err := Multi{failing{boom}, hub, nil}.Publish(context.Background(), Event{Type: TypeAcquired})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(ch) != 1 {
		t.Fatalf("expected hub to still receive the event")
	}
}

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }
