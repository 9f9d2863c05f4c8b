package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bloodbridge/pkg/domain"
	pkgerrors "bloodbridge/pkg/errors"
)

// DeadlineIndex tracks reservation deadlines outside the working set, so a
// sweeper can find due reservations without scanning every allocation. The
// index is advisory; losing it only delays reclamation until the full scan.
type DeadlineIndex interface {
	Track(ctx context.Context, id domain.RequestID, allocID string, expires time.Time) error
	Due(ctx context.Context, now time.Time) ([]domain.RequestID, error)
	Forget(ctx context.Context, id domain.RequestID, allocID string) error
}

const deadlineKey = "bloodbridge:reservation_deadlines"

// RedisDeadlineIndex keeps deadlines in a sorted set scored by expiry time,
// shared across engine instances.
type RedisDeadlineIndex struct {
	client *redis.Client
}

func NewRedisDeadlineIndex(client *redis.Client) *RedisDeadlineIndex {
	return &RedisDeadlineIndex{client: client}
}

func (i *RedisDeadlineIndex) Track(ctx context.Context, id domain.RequestID, allocID string, expires time.Time) error {
	member := member(id, allocID)
	if err := i.client.ZAdd(ctx, deadlineKey, redis.Z{Score: float64(expires.Unix()), Member: member}).Err(); err != nil {
		return fmt.Errorf("track deadline %s: %w", member, err)
	}
	return nil
}

func (i *RedisDeadlineIndex) Due(ctx context.Context, now time.Time) ([]domain.RequestID, error) {
	members, err := i.client.ZRangeByScore(ctx, deadlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due deadlines: %w", err)
	}
	seen := make(map[domain.RequestID]bool)
	var ids []domain.RequestID
	for _, m := range members {
		id, _, ok := splitMember(m)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (i *RedisDeadlineIndex) Forget(ctx context.Context, id domain.RequestID, allocID string) error {
	if err := i.client.ZRem(ctx, deadlineKey, member(id, allocID)).Err(); err != nil {
		return fmt.Errorf("forget deadline: %w", err)
	}
	return nil
}

func member(id domain.RequestID, allocID string) string {
	return id.String() + ":" + allocID
}

func splitMember(m string) (domain.RequestID, string, bool) {
	i := strings.Index(m, ":")
	if i < 0 {
		return "", "", false
	}
	return domain.RequestID(m[:i]), m[i+1:], true
}

// Sweeper periodically reclaims overdue reservations. With a deadline index
// it reclaims exactly the due requests; without one it falls back to a full
// scan of open reservations.
type Sweeper struct {
	alloc    *Allocator
	index    DeadlineIndex
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// SweeperOption configures the Sweeper.
type SweeperOption func(*Sweeper)

func WithSweeperIndex(idx DeadlineIndex) SweeperOption {
	return func(s *Sweeper) { s.index = idx }
}

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(alloc *Allocator, interval time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		alloc:    alloc,
		interval: interval,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on a ticker until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "reservation sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	if s.index == nil {
		return s.alloc.SweepExpired(ctx)
	}
	ids, err := s.index.Due(ctx, s.now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := s.alloc.ReclaimRequest(ctx, id)
		if err != nil && !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return err
		}
	}
	return nil
}
