package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "audit-events", GroupID: "iamlp"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "iamlp"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "audit-events"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaConsumerTrimsBrokerList(t *testing.T) {
	t.Parallel()

	consumer, err := NewKafkaConsumer(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "audit-events",
		GroupID: "iamlp",
	})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaConsumerCloseAndReadGuard(t *testing.T) {
	t.Parallel()

	var nilConsumer *KafkaConsumer
	if err := nilConsumer.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if _, err := nilConsumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for nil consumer")
	}

	consumer := &KafkaConsumer{}
	if _, err := consumer.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error for uninitialized reader")
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerReadMessageBranches(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := consumer.ReadMessage(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("reader_success", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`{"eventName":"GetObject"}`)}}}
		msg, err := consumer.ReadMessage(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(msg.Value) != `{"eventName":"GetObject"}` {
			t.Fatalf("unexpected message value: %s", string(msg.Value))
		}
	})
}
