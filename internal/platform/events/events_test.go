package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	ev := New(ClaimApproved, "claim:7", "ins-1", map[string]any{"value": 4000})
	if ev.ID.String() == "" {
		t.Fatal("expected event id")
	}
	if ev.Type != ClaimApproved || ev.Subject != "claim:7" || ev.Actor != "ins-1" {
		t.Errorf("unexpected event header: %+v", ev)
	}
	if string(ev.Data) != `{"value":4000}` {
		t.Errorf("unexpected data: %s", ev.Data)
	}

	bad := New(ClaimApproved, "claim:7", "", func() {})
	if bad.Data != nil {
		t.Errorf("expected unmarshalable data to be dropped, got %s", bad.Data)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogPublisher(zerolog.New(&buf))

	if err := pub.Publish(context.Background(), New(AccessGranted, "pat-1", "pat-1", nil)); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["event_type"] != AccessGranted {
		t.Errorf("expected event_type %s, got %v", AccessGranted, entry["event_type"])
	}
	if entry["component"] != "events" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("broker down") }

func TestEmit_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	Emit(context.Background(), failingPublisher{}, zerolog.New(&buf), New(ClaimFiled, "c", "", nil))
	if !bytes.Contains(buf.Bytes(), []byte("event publish failed")) {
		t.Errorf("expected failure to be logged, got %q", buf.String())
	}

	buf.Reset()
	Emit(context.Background(), nil, zerolog.New(&buf), New(ClaimFiled, "c", "", nil))
	if buf.Len() != 0 {
		t.Errorf("expected nil publisher to be ignored")
	}
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeClient struct {
	mqtt.Client
	topics   []string
	payloads [][]byte
	err      error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return doneToken{err: c.err}
}

func TestMQTTPublisher(t *testing.T) {
	client := &fakeClient{}
	pub := newMQTTPublisher(client, "medichain/")

	ev := New(TransactionSettled, "tx:3", "pat-1", nil)
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if len(client.topics) != 1 || client.topics[0] != "medichain/transaction/settled" {
		t.Fatalf("unexpected topics: %v", client.topics)
	}

	var decoded Event
	if err := json.Unmarshal(client.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if decoded.ID != ev.ID {
		t.Errorf("expected id %s, got %s", ev.ID, decoded.ID)
	}

	client.err = errors.New("not connected")
	if err := pub.Publish(context.Background(), ev); err == nil {
		t.Error("expected publish error")
	}
}

func TestMQTTPublisher_TopicWithoutPrefix(t *testing.T) {
	pub := newMQTTPublisher(&fakeClient{}, "")
	if got := pub.Topic(RecordApproved); got != "record/approved" {
		t.Errorf("expected record/approved, got %s", got)
	}
}
