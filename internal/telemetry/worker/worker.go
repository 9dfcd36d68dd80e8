// Package worker relays session events from Kafka to Loki.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// pushTimeout bounds one Loki push.
const pushTimeout = 10 * time.Second

// MessageReader is the subset of *kafka.Reader the worker uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Pusher stores one raw session event.
type Pusher interface {
	PushEventJSON(ctx context.Context, rawJSON []byte) error
}

// Run reads messages until ctx is cancelled and pushes each one. Read and push failures are
// logged and skipped. It returns the number of events pushed.
func Run(ctx context.Context, reader MessageReader, pusher Pusher, log zerolog.Logger) int {
	pushed := 0
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Int("pushed", pushed).Msg("worker stopped")
				return pushed
			}
			log.Warn().Err(err).Msg("kafka read failed")
			continue
		}

		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := pusher.PushEventJSON(pushCtx, msg.Value); err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("loki push failed")
		} else {
			pushed++
		}
		cancel()
	}
}
