package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/redis/go-redis/v9"
)

// DefaultCancelTTL bounds how long a cancel request is remembered.
const DefaultCancelTTL = 6 * time.Hour

// CancelSignal stores batch cancel requests in Redis so that any process can
// stop a batch running in another one.
type CancelSignal struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ pagegen.CancelSignal = (*CancelSignal)(nil)

// NewCancelSignal creates a CancelSignal. An empty prefix means "pagegen";
// a non-positive ttl means DefaultCancelTTL.
func NewCancelSignal(client redis.UniversalClient, prefix string, ttl time.Duration) *CancelSignal {
	if prefix == "" {
		prefix = "pagegen"
	}
	if ttl <= 0 {
		ttl = DefaultCancelTTL
	}
	return &CancelSignal{client: client, prefix: prefix, ttl: ttl}
}

func (s *CancelSignal) key(batchID string) string {
	return fmt.Sprintf("%s:batch:cancel:%s", s.prefix, batchID)
}

// Cancel records a cancel request for batchID.
func (s *CancelSignal) Cancel(ctx context.Context, batchID string) error {
	if batchID == "" {
		return &pagegen.ValidationError{Field: "batch id", Reason: "batch id is required"}
	}
	if err := s.client.Set(ctx, s.key(batchID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cancel request for batch %s: %w", batchID, err)
	}
	return nil
}

// Cancelled reports whether a cancel request exists for batchID.
func (s *CancelSignal) Cancelled(ctx context.Context, batchID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(batchID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel request for batch %s: %w", batchID, err)
	}
	return n > 0, nil
}

// Clear removes the cancel request of batchID.
func (s *CancelSignal) Clear(ctx context.Context, batchID string) error {
	return s.client.Del(ctx, s.key(batchID)).Err()
}
