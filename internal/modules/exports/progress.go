package exports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProgressChannel carries export events from workers to API instances
const ProgressChannel = "export:progress"

// EngineStateKey holds the engine session state last reported by a worker
const EngineStateKey = "export:worker:engine_state"

// EngineStateTTL bounds how long a reported engine state stays valid
const EngineStateTTL = 2 * time.Minute

// Event types
const (
	EventProgress  = "export:progress"
	EventCompleted = "export:completed"
	EventFailed    = "export:failed"
	EventCancelled = "export:cancelled"
)

// Event is one export state change
type Event struct {
	Type     string       `json:"type"`
	ExportID string       `json:"exportId"`
	Percent  int          `json:"percent"`
	Output   string       `json:"output,omitempty"`
	Error    *ExportError `json:"error,omitempty"`
}

// Publisher fans export events out to listeners
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher publishes events on ProgressChannel
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher creates a publisher on client
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, ProgressChannel, data).Err()
}

// Forward relays events from ProgressChannel to sink until ctx is done
func Forward(ctx context.Context, client redis.UniversalClient, sink func(Event), logger *zap.Logger) error {
	sub := client.Subscribe(ctx, ProgressChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Dropping malformed export event", zap.Error(err))
				continue
			}
			sink(event)
		}
	}
}

// ReportEngineState records the worker's engine state for readiness checks
func ReportEngineState(ctx context.Context, client redis.UniversalClient, state string) error {
	return client.Set(ctx, EngineStateKey, state, EngineStateTTL).Err()
}

// EngineState returns the last reported engine state, or "" if none is current
func EngineState(ctx context.Context, client redis.UniversalClient) (string, error) {
	state, err := client.Get(ctx, EngineStateKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	return state, err
}
