package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livinglabs/livelab/internal/config"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// DataPoint represents a single time-series data point.
type DataPoint struct {
	Timestamp time.Time
	Value     float64
}

// History stores time series such as a site's mean NDCG per campaign step.
type History interface {
	// Save appends a data point to a series.
	Save(ctx context.Context, series string, dp DataPoint) error

	// Load returns the points of a series at or after since, oldest first.
	Load(ctx context.Context, series string, since time.Time) ([]DataPoint, error)

	// Series lists the stored series names.
	Series(ctx context.Context) ([]string, error)

	// Delete removes a series.
	Delete(ctx context.Context, series string) error

	// Close releases resources.
	Close() error
}

// NDCGSeries names the NDCG history series of a site.
func NDCGSeries(site string) string {
	return "ndcg:" + site
}

// NewHistory creates the history backend selected by the configuration.
func NewHistory(cfg config.MetricsConfig) (History, error) {
	switch strings.ToLower(cfg.Persistence) {
	case "", "memory":
		return NewMemoryHistory(DefaultMaxPoints), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, apperrors.ConfigurationError("redis persistence requires a redis URL")
		}
		return NewRedisHistory(cfg.RedisURL, cfg.HistoryTTL)
	default:
		return nil, apperrors.ConfigurationError("unknown metrics persistence: " + cfg.Persistence)
	}
}

// DefaultMaxPoints bounds each in-memory series.
const DefaultMaxPoints = 10000

// MemoryHistory keeps series in process memory. Each series holds at most
// maxPoints points; older points are dropped first.
type MemoryHistory struct {
	mu        sync.RWMutex
	series    map[string][]DataPoint
	maxPoints int
}

// NewMemoryHistory creates an in-memory history.
func NewMemoryHistory(maxPoints int) *MemoryHistory {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &MemoryHistory{
		series:    make(map[string][]DataPoint),
		maxPoints: maxPoints,
	}
}

// Save appends a data point, keeping the series ordered by time.
func (h *MemoryHistory) Save(ctx context.Context, series string, dp DataPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	points := append(h.series[series], dp)
	if n := len(points); n > 1 && points[n-1].Timestamp.Before(points[n-2].Timestamp) {
		sort.SliceStable(points, func(i, j int) bool {
			return points[i].Timestamp.Before(points[j].Timestamp)
		})
	}
	if len(points) > h.maxPoints {
		points = points[len(points)-h.maxPoints:]
	}
	h.series[series] = points
	return nil
}

// Load returns a copy of the points at or after since.
func (h *MemoryHistory) Load(ctx context.Context, series string, since time.Time) ([]DataPoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	points := h.series[series]
	result := make([]DataPoint, 0, len(points))
	for _, dp := range points {
		if !dp.Timestamp.Before(since) {
			result = append(result, dp)
		}
	}
	return result, nil
}

// Series returns the series names in lexical order.
func (h *MemoryHistory) Series(ctx context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.series))
	for name := range h.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a series.
func (h *MemoryHistory) Delete(ctx context.Context, series string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.series, series)
	return nil
}

// Close is a no-op.
func (h *MemoryHistory) Close() error {
	return nil
}
