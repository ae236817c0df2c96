package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/pkg/redis"
)

// DriftQueue records users whose local record may disagree with the backend.
type DriftQueue interface {
	Enqueue(ctx context.Context, userID uuid.UUID) error
}

// RedisDriftQueue keeps pending resyncs in a Redis set, so repeated drift on
// the same user collapses to one entry.
type RedisDriftQueue struct {
	client *redis.Client
}

func NewRedisDriftQueue(client *redis.Client) (*RedisDriftQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisDriftQueue{client: client}, nil
}

func (q *RedisDriftQueue) Enqueue(ctx context.Context, userID uuid.UUID) error {
	return q.client.SAdd(ctx, q.client.DriftKey(), userID.String())
}

// Drain pops up to n users. Members that are not valid ids are dropped.
func (q *RedisDriftQueue) Drain(ctx context.Context, n int) ([]uuid.UUID, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := q.client.SPopN(ctx, q.client.DriftKey(), int64(n))
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Requeue puts users back after a failed resync.
func (q *RedisDriftQueue) Requeue(ctx context.Context, userIDs ...uuid.UUID) error {
	members := make([]string, len(userIDs))
	for i, id := range userIDs {
		members[i] = id.String()
	}
	return q.client.SAdd(ctx, q.client.DriftKey(), members...)
}

func (q *RedisDriftQueue) Len(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, q.client.DriftKey())
}
