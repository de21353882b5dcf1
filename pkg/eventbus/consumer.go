// Package eventbus ingests audit events from Kafka into the usage store.
package eventbus

import "context"

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
