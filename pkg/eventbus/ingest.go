package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"iamlp/pkg/aggregate"
	"iamlp/pkg/metrics"
	"iamlp/pkg/models"
	"iamlp/pkg/stream"
)

// Ingestor drains audit events from a consumer, folds them in batches and
// flushes the aggregated usage to the sink.
type Ingestor struct {
	Consumer      Consumer
	Aggregator    *aggregate.Aggregator
	Metrics       *metrics.Registry
	Hub           *stream.Hub
	BatchSize     int
	FlushInterval time.Duration
}

func NewIngestor(consumer Consumer, agg *aggregate.Aggregator, reg *metrics.Registry, hub *stream.Hub) *Ingestor {
	return &Ingestor{
		Consumer:      consumer,
		Aggregator:    agg,
		Metrics:       reg,
		Hub:           hub,
		BatchSize:     256,
		FlushInterval: 5 * time.Second,
	}
}

// Run consumes until the context is cancelled. Malformed messages are logged
// and skipped; sink failures are counted but never stop ingestion.
func (i *Ingestor) Run(ctx context.Context) error {
	if i.Consumer == nil {
		return errors.New("ingestor requires a consumer")
	}
	batch := make([]models.AccessEvent, 0, i.BatchSize)
	deadline := time.Now().Add(i.FlushInterval)
	for {
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := i.Consumer.ReadMessage(readCtx)
		cancel()
		switch {
		case err == nil:
			var evt models.AccessEvent
			if decodeErr := json.Unmarshal(msg.Value, &evt); decodeErr != nil {
				log.Printf("eventbus: skipping malformed event: %v", decodeErr)
				break
			}
			batch = append(batch, evt)
		case ctx.Err() != nil:
			i.flush(context.Background(), batch)
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// flush tick
		default:
			log.Printf("eventbus: read failed: %v", err)
		}
		if len(batch) >= i.BatchSize || (len(batch) > 0 && !time.Now().Before(deadline)) {
			i.flush(ctx, batch)
			batch = batch[:0]
		}
		if !time.Now().Before(deadline) {
			deadline = time.Now().Add(i.FlushInterval)
		}
	}
}

func (i *Ingestor) flush(ctx context.Context, batch []models.AccessEvent) {
	if len(batch) == 0 {
		return
	}
	records, warnings := i.Aggregator.Aggregate(ctx, batch)
	if i.Metrics != nil {
		i.Metrics.AddEventsConsumed(int64(len(batch)))
		for range warnings {
			i.Metrics.IncSinkFailures()
		}
	}
	for _, w := range warnings {
		log.Printf("eventbus: %v", w)
	}
	if i.Hub != nil {
		i.Hub.Publish(stream.NewEvent(stream.TypeUsageUpdated, map[string]int{
			"events":  len(batch),
			"records": len(records),
		}))
	}
}
