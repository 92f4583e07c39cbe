package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/wisbric/preflightwatch/internal/db"
)

// StatsFilter narrows the attempt/outbox rows a stats or trends query
// rolls up, mirroring the original ETL service's filter surface.
type StatsFilter struct {
	Days          *int
	EventType     *string
	ChannelTarget *string
	DateFrom      *time.Time
	DateTo        *time.Time
}

func (f StatsFilter) window(now time.Time) (from, to *time.Time) {
	if f.DateFrom != nil || f.DateTo != nil {
		return f.DateFrom, f.DateTo
	}
	if f.Days != nil && *f.Days > 0 {
		t := now.Add(-time.Duration(*f.Days) * 24 * time.Hour)
		return &t, nil
	}
	return nil, nil
}

// Stats is the rollup returned by GET .../notifications/stats.
type Stats struct {
	TotalEvents              int      `json:"total_events"`
	SentCount                int      `json:"sent_count"`
	RetryCount                int      `json:"retry_count"`
	DeadCount                 int      `json:"dead_count"`
	ReplayCount               int      `json:"replay_count"`
	PendingCount              int      `json:"pending_count"`
	SuccessRate               float64  `json:"success_rate"`
	AvgDeliveryLatencyMs      *float64 `json:"avg_delivery_latency_ms"`
	P95DeliveryLatencyMs      *float64 `json:"p95_delivery_latency_ms"`
	OldestPendingAgeSeconds   *int64   `json:"oldest_pending_age_seconds"`
}

// Trends is the rollup returned by GET .../notifications/trends.
type Trends struct {
	Bucket string       `json:"bucket"`
	Items  []TrendBucket `json:"items"`
}

// TrendBucket is one day- or hour-aligned rollup row.
type TrendBucket struct {
	BucketStart           time.Time `json:"bucket_start"`
	SentCount             int       `json:"sent_count"`
	RetryCount            int       `json:"retry_count"`
	DeadCount             int       `json:"dead_count"`
	ReplayCount           int       `json:"replay_count"`
	AvgDeliveryLatencyMs  *float64  `json:"avg_delivery_latency_ms"`
}

// Store queries delivery attempts and outbox items to back the stats and
// trends rollups.
type Store struct {
	q     *db.Queries
	clock func() time.Time
}

// NewStore creates a Store over q, using time.Now for "now"-relative
// windows and pending ages.
func NewStore(q *db.Queries) *Store {
	return &Store{q: q, clock: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) attemptRows(ctx context.Context, f StatsFilter) ([]db.DeliveryAttemptRow, error) {
	from, to := f.window(s.clock())
	filter := db.QueryDeliveryAttemptsFilter{
		EventType:     f.EventType,
		ChannelTarget: f.ChannelTarget,
		DateFrom:      from,
		DateTo:        to,
		Limit:         1000,
	}
	return s.q.QueryDeliveryAttempts(ctx, filter)
}

// replayedOutboxItemIDs returns the set of outbox item ids that were
// themselves created as a replay of another item, so attempt rows can be
// attributed to a replay without the attempt ledger carrying its own
// replayed_from_id column.
func (s *Store) replayedOutboxItemIDs(ctx context.Context, f StatsFilter) (map[string]bool, error) {
	from, to := f.window(s.clock())
	items, err := s.q.QueryOutboxItems(ctx, db.QueryOutboxItemsFilter{
		EventType: f.EventType, ChannelTarget: f.ChannelTarget,
		DateFrom: from, DateTo: to, DateField: "created_at", Limit: 500,
	})
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, item := range items {
		if item.ReplayedFromID != nil {
			set[item.ID] = true
		}
	}
	return set, nil
}

func (s *Store) pendingRows(ctx context.Context, f StatsFilter) ([]db.OutboxItemRow, error) {
	from, to := f.window(s.clock())
	filter := db.QueryOutboxItemsFilter{
		Statuses:      []string{"PENDING", "RETRYING"},
		EventType:     f.EventType,
		ChannelTarget: f.ChannelTarget,
		DateFrom:      from,
		DateTo:        to,
		DateField:     "created_at",
		Limit:         500,
	}
	return s.q.QueryOutboxItems(ctx, filter)
}

// Stats computes the rollup for f.
func (s *Store) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	attempts, err := s.attemptRows(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	replayed, err := s.replayedOutboxItemIDs(ctx, f)
	if err != nil {
		return Stats{}, err
	}

	var sent, retry, dead, failed, replay int
	var latencies []float64
	for _, a := range attempts {
		switch a.AttemptStatus {
		case "SENT":
			sent++
		case "RETRY":
			retry++
		case "DEAD":
			dead++
		case "FAILED":
			failed++
		}
		if replayed[a.OutboxItemID] {
			replay++
		}
		if a.DurationMs != nil {
			latencies = append(latencies, float64(*a.DurationMs))
		}
	}

	completed := sent + dead + failed
	var successRate float64
	if completed > 0 {
		successRate = float64(sent) / float64(completed)
	}

	stats := Stats{
		TotalEvents: len(attempts),
		SentCount:   sent,
		RetryCount:  retry,
		DeadCount:   dead,
		ReplayCount: replay,
		SuccessRate: successRate,
	}
	if len(latencies) > 0 {
		avg := average(latencies)
		p95 := percentile(latencies, 95)
		stats.AvgDeliveryLatencyMs = &avg
		stats.P95DeliveryLatencyMs = &p95
	}

	pending, err := s.pendingRows(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	stats.PendingCount = len(pending)

	now := s.clock()
	var oldest int64
	var haveOldest bool
	for _, p := range pending {
		age := int64(now.Sub(p.CreatedAt).Seconds())
		if age < 0 {
			age = 0
		}
		if !haveOldest || age > oldest {
			oldest = age
			haveOldest = true
		}
	}
	if haveOldest {
		stats.OldestPendingAgeSeconds = &oldest
	}

	return stats, nil
}

// Trends computes bucketed rollups for f, grouped by day or hour.
func (s *Store) Trends(ctx context.Context, f StatsFilter, bucket string) (Trends, error) {
	if bucket != "hour" {
		bucket = "day"
	}

	attempts, err := s.attemptRows(ctx, f)
	if err != nil {
		return Trends{}, err
	}
	replayed, err := s.replayedOutboxItemIDs(ctx, f)
	if err != nil {
		return Trends{}, err
	}

	type accum struct {
		sent, retry, dead, replay int
		latencies                []float64
	}
	buckets := map[time.Time]*accum{}

	for _, a := range attempts {
		start := bucketStart(a.StartedAt, bucket)
		acc, ok := buckets[start]
		if !ok {
			acc = &accum{}
			buckets[start] = acc
		}
		switch a.AttemptStatus {
		case "SENT":
			acc.sent++
		case "RETRY":
			acc.retry++
		case "DEAD":
			acc.dead++
		}
		if replayed[a.OutboxItemID] {
			acc.replay++
		}
		if a.DurationMs != nil {
			acc.latencies = append(acc.latencies, float64(*a.DurationMs))
		}
	}

	starts := make([]time.Time, 0, len(buckets))
	for t := range buckets {
		starts = append(starts, t)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	items := make([]TrendBucket, 0, len(starts))
	for _, start := range starts {
		acc := buckets[start]
		tb := TrendBucket{
			BucketStart: start,
			SentCount:   acc.sent,
			RetryCount:  acc.retry,
			DeadCount:   acc.dead,
			ReplayCount: acc.replay,
		}
		if len(acc.latencies) > 0 {
			avg := average(acc.latencies)
			tb.AvgDeliveryLatencyMs = &avg
		}
		items = append(items, tb)
	}

	return Trends{Bucket: bucket, Items: items}, nil
}

func bucketStart(t time.Time, bucket string) time.Time {
	t = t.UTC()
	if bucket == "hour" {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile implements the original service's linear-interpolation
// percentile between the two bracketing order statistics.
func percentile(values []float64, p float64) float64 {
	ordered := append([]float64(nil), values...)
	sort.Float64s(ordered)
	if len(ordered) == 1 {
		return ordered[0]
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	rank := (p / 100.0) * float64(len(ordered)-1)
	lowerIndex := int(rank)
	upperIndex := lowerIndex + 1
	if upperIndex > len(ordered)-1 {
		upperIndex = len(ordered) - 1
	}
	lower := ordered[lowerIndex]
	upper := ordered[upperIndex]
	weight := rank - float64(lowerIndex)
	return lower + (upper-lower)*weight
}
