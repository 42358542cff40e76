package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// RedisHistory stores series in Redis sorted sets scored by timestamp, so a
// dashboard can read NDCG trends across simulator restarts.
type RedisHistory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // Points older than this are trimmed on write
}

// DefaultHistoryTTL is how long points are kept when no TTL is given.
const DefaultHistoryTTL = 30 * 24 * time.Hour

// NewRedisHistory connects to Redis and verifies the connection. Points
// older than ttl are trimmed on write.
func NewRedisHistory(url string, ttl time.Duration) (*RedisHistory, error) {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "parsing redis URL", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "connecting to redis", err)
	}

	return &RedisHistory{
		client: client,
		prefix: "livelab:history:",
		ttl:    ttl,
	}, nil
}

// member encodes a point. The timestamp is part of the member so equal values
// at different times are kept as distinct entries.
func member(dp DataPoint) string {
	return fmt.Sprintf("%d:%g", dp.Timestamp.UnixNano(), dp.Value)
}

func parseMember(m string) (float64, bool) {
	_, value, ok := strings.Cut(m, ":")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	return v, err == nil
}

// Save adds a data point and trims expired ones in one pipeline.
func (rh *RedisHistory) Save(ctx context.Context, series string, dp DataPoint) error {
	return rh.SaveBatch(ctx, series, []DataPoint{dp})
}

// SaveBatch saves multiple data points in a single round trip.
func (rh *RedisHistory) SaveBatch(ctx context.Context, series string, dataPoints []DataPoint) error {
	if len(dataPoints) == 0 {
		return nil
	}

	key := rh.prefix + series
	members := make([]redis.Z, len(dataPoints))
	for i, dp := range dataPoints {
		members[i] = redis.Z{
			Score:  float64(dp.Timestamp.UnixMilli()),
			Member: member(dp),
		}
	}

	pipe := rh.client.Pipeline()
	pipe.ZAdd(ctx, key, members...)
	minScore := time.Now().Add(-rh.ttl).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", minScore))

	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "saving history", err)
	}
	return nil
}

// Load returns the points at or after since, oldest first.
func (rh *RedisHistory) Load(ctx context.Context, series string, since time.Time) ([]DataPoint, error) {
	results, err := rh.client.ZRangeByScoreWithScores(ctx, rh.prefix+series, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "loading history", err)
	}

	dataPoints := make([]DataPoint, 0, len(results))
	for _, z := range results {
		m, ok := z.Member.(string)
		if !ok {
			continue
		}
		value, ok := parseMember(m)
		if !ok {
			continue
		}
		dataPoints = append(dataPoints, DataPoint{
			Timestamp: time.UnixMilli(int64(z.Score)),
			Value:     value,
		})
	}

	return dataPoints, nil
}

// Series returns the names of all stored series.
func (rh *RedisHistory) Series(ctx context.Context) ([]string, error) {
	var names []string
	iter := rh.client.Scan(ctx, 0, rh.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), rh.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "listing series", err)
	}
	return names, nil
}

// Delete removes a series.
func (rh *RedisHistory) Delete(ctx context.Context, series string) error {
	if err := rh.client.Del(ctx, rh.prefix+series).Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "deleting series", err)
	}
	return nil
}

// Close closes the Redis connection.
func (rh *RedisHistory) Close() error {
	return rh.client.Close()
}
