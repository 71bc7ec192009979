package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"crmflow/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DelayQueue parks rule continuations until their due time. ClaimDue hands
// each continuation to exactly one caller. A claim error on one item does not
// void the others: callers must still resume every returned continuation.
type DelayQueue interface {
	Schedule(ctx context.Context, item *models.ScheduledAction) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledAction, error)
	Pending(ctx context.Context) (int64, error)
}

// DBDelayQueue 基于数据库表的延迟队列
type DBDelayQueue struct {
	db *gorm.DB
}

func NewDBDelayQueue(db *gorm.DB) *DBDelayQueue {
	return &DBDelayQueue{db: db}
}

func (q *DBDelayQueue) Schedule(ctx context.Context, item *models.ScheduledAction) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("failed to schedule continuation: %w", err)
	}
	return nil
}

func (q *DBDelayQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledAction, error) {
	if limit <= 0 {
		limit = 50
	}
	var due []*models.ScheduledAction
	if err := q.db.WithContext(ctx).
		Where("due_at <= ?", now).
		Order("due_at asc").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("failed to load due continuations: %w", err)
	}
	claimed := make([]*models.ScheduledAction, 0, len(due))
	var errs []error
	for _, item := range due {
		// deleting the row is the claim; a concurrent worker sees RowsAffected 0
		res := q.db.WithContext(ctx).Where("id = ?", item.ID).Delete(&models.ScheduledAction{})
		if res.Error != nil {
			// row stays in the table and is claimed on a later tick
			errs = append(errs, fmt.Errorf("failed to claim continuation %s: %w", item.ID, res.Error))
			continue
		}
		if res.RowsAffected == 1 {
			claimed = append(claimed, item)
		}
	}
	return claimed, errors.Join(errs...)
}

func (q *DBDelayQueue) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.ScheduledAction{}).Count(&n).Error
	return n, err
}

// RedisDelayQueue keeps continuations in a sorted set scored by due time,
// with payloads in a companion hash.
type RedisDelayQueue struct {
	client redis.UniversalClient
	key    string
	logger *logrus.Logger
}

func NewRedisDelayQueue(client redis.UniversalClient, prefix string, logger *logrus.Logger) *RedisDelayQueue {
	if prefix == "" {
		prefix = "crmflow"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisDelayQueue{client: client, key: prefix + ":automation:delayed", logger: logger}
}

func (q *RedisDelayQueue) payloadKey() string { return q.key + ":payload" }

func (q *RedisDelayQueue) Schedule(ctx context.Context, item *models.ScheduledAction) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal continuation: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), item.ID, data)
	pipe.ZAdd(ctx, q.key, redis.Z{Score: float64(item.DueAt.Unix()), Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule continuation: %w", err)
	}
	return nil
}

func (q *RedisDelayQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledAction, error) {
	if limit <= 0 {
		limit = 50
	}
	due, err := q.client.ZRangeByScoreWithScores(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load due continuations: %w", err)
	}
	claimed := make([]*models.ScheduledAction, 0, len(due))
	var errs []error
	for _, z := range due {
		id, _ := z.Member.(string)
		removed, err := q.client.ZRem(ctx, q.key, id).Result()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to claim continuation %s: %w", id, err))
			continue
		}
		if removed != 1 {
			continue
		}
		raw, err := q.client.HGet(ctx, q.payloadKey(), id).Bytes()
		if errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("continuation %s payload missing", id))
			continue
		}
		if err != nil {
			// put the member back so a later tick retries it
			if zerr := q.client.ZAdd(ctx, q.key, redis.Z{Score: z.Score, Member: id}).Err(); zerr != nil {
				q.logger.Errorf("automation: continuation %s lost after failed payload read: %v", id, zerr)
			}
			errs = append(errs, fmt.Errorf("failed to read continuation %s: %w", id, err))
			continue
		}
		var item models.ScheduledAction
		if err := json.Unmarshal(raw, &item); err != nil {
			errs = append(errs, fmt.Errorf("decode continuation %s: %w", id, err))
		} else {
			claimed = append(claimed, &item)
		}
		if err := q.client.HDel(ctx, q.payloadKey(), id).Err(); err != nil {
			q.logger.Warnf("automation: failed to delete payload of continuation %s: %v", id, err)
		}
	}
	return claimed, errors.Join(errs...)
}

func (q *RedisDelayQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
