package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultStateTTL = 24 * time.Hour

// StateStore persists per-thread conversation state in Redis as one JSON
// document per thread, refreshed with a TTL on every save.
type StateStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
}

func NewStateStore(redisClient *redis.Client, ttl time.Duration) *StateStore {
	if redisClient == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateStore{
		redis:  redisClient,
		ttl:    ttl,
		tracer: otel.Tracer("healthsched.internal.conversation.state"),
	}
}

// Load fetches the state for a thread. An unknown thread returns (nil, nil);
// the caller starts from the empty default.
func (s *StateStore) Load(ctx context.Context, threadID string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.load_state")
	defer span.End()

	data, err := s.redis.Get(ctx, stateKey(threadID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to load state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to decode state: %w", err)
	}
	return &state, nil
}

// Save persists the state and refreshes its TTL.
func (s *StateStore) Save(ctx context.Context, threadID string, state *State) error {
	ctx, span := s.tracer.Start(ctx, "conversation.save_state")
	defer span.End()

	data, err := json.Marshal(state)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to marshal state: %w", err)
	}
	if err := s.redis.Set(ctx, stateKey(threadID), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to persist state: %w", err)
	}
	return nil
}

func stateKey(threadID string) string {
	return fmt.Sprintf("conversation:%s", threadID)
}
