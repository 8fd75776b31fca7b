package eventbus

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "audit"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "audit"}); err == nil {
		t.Fatal("expected error when every broker is blank")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
}

func TestNewKafkaPublisherBuildsWriter(t *testing.T) {
	t.Parallel()

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 ", ""}, Topic: " audit "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, ok := p.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", p.writer)
	}
	if w.Topic != "audit" || w.Addr.String() != "127.0.0.1:9092" {
		t.Fatalf("unexpected writer topic=%q addr=%q", w.Topic, w.Addr.String())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeWriter struct {
	got    []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "audit"}
	if err := p.Publish(context.Background()); err != nil {
		t.Fatalf("empty publish should be a no-op: %v", err)
	}
	if err := p.Publish(context.Background(), Message{Key: []byte("m1"), Value: []byte(`{"id":1}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.got) != 1 || string(w.got[0].Key) != "m1" || string(w.got[0].Value) != `{"id":1}` {
		t.Fatalf("unexpected messages %+v", w.got)
	}

	w.err = errors.New("leader not available")
	err := p.Publish(context.Background(), Message{Value: []byte("x")})
	if err == nil || !strings.Contains(err.Error(), "publish to audit") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	_ = p.Close()
	if !w.closed {
		t.Fatal("expected writer closed")
	}
}

func TestKafkaPublisherNilGuards(t *testing.T) {
	var p *KafkaPublisher
	if err := p.Close(); err != nil {
		t.Fatalf("nil close should be a no-op: %v", err)
	}
	if err := p.Publish(context.Background(), Message{}); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	var nop Publisher = Nop{}
	if err := nop.Publish(context.Background(), Message{}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}
