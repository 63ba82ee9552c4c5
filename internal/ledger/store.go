// Package ledger persists the per-query cost and outcome trail in SQLite.
//
// Every terminal pipeline decision produces exactly one QueryOutcome record:
// a cache hit, an API call, or a block. Aborted turns write nothing. The
// table is append-only; aggregation and retention jobs read and trim it, but
// records are never updated.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	guardotel "github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
)

var tracer = guardotel.Tracer("github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger")

// QueryOutcome is one terminal pipeline decision.
type QueryOutcome struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	CacheHit   bool      `json:"cache_hit"`
	TokensUsed int       `json:"tokens_used"`
	Cost       float64   `json:"cost"`
	Model      string    `json:"model,omitempty"`
	BlockedBy  string    `json:"blocked_by,omitempty"` // "", "content_safety", or "guardrails"
}

// TimeBucket is one aggregation bucket over the half-open range
// [BucketStart, BucketStart+width).
type TimeBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Total       int       `json:"total"`
	CacheHits   int       `json:"cache_hits"`
	APICalls    int       `json:"api_calls"`
	Blocked     int       `json:"blocked"`
	Tokens      int       `json:"tokens"`
	Cost        float64   `json:"cost"`
}

// Summary is the headline metrics view for a time range.
type Summary struct {
	Total       int                `json:"total_queries"`
	CacheHits   int                `json:"cache_hits"`
	APICalls    int                `json:"api_calls"`
	Blocked     int                `json:"blocked"`
	Tokens      int                `json:"tokens_used"`
	Cost        float64            `json:"total_cost"`
	CostByModel map[string]float64 `json:"cost_breakdown_by_model"`
	HitRate     float64            `json:"cache_hit_rate"`
	MoneySaved  float64            `json:"money_saved"`
}

// Store persists query outcomes in SQLite. Safe for concurrent writers; the
// sqlite driver serializes access to the single database file.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the ledger database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS query_outcomes (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		username TEXT NOT NULL,
		role TEXT NOT NULL,
		cache_hit INTEGER NOT NULL,
		tokens_used INTEGER NOT NULL,
		cost REAL NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		blocked_by TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON query_outcomes(timestamp);
	CREATE INDEX IF NOT EXISTS idx_outcomes_username ON query_outcomes(username);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one outcome. A cache hit must carry zero cost and zero
// tokens; violating records are rejected rather than silently corrected so
// the bug surfaces at the caller. Missing ID and Timestamp are filled in.
func (s *Store) Record(ctx context.Context, o QueryOutcome) error {
	ctx, span := tracer.Start(ctx, "ledger.record",
		trace.WithAttributes(
			attribute.String("ledger.username", o.Username),
			attribute.Bool("ledger.cache_hit", o.CacheHit),
		))
	defer span.End()

	if o.CacheHit && (o.Cost != 0 || o.TokensUsed != 0) {
		return fmt.Errorf("ledger: cache hit recorded with cost=%.6f tokens=%d", o.Cost, o.TokensUsed)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}

	query := `INSERT INTO query_outcomes (id, timestamp, username, role, cache_hit, tokens_used, cost, model, blocked_by)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.Timestamp.UTC(), o.Username, o.Role,
		boolToInt(o.CacheHit), o.TokensUsed, o.Cost, o.Model, o.BlockedBy,
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}

	RecordCostMetrics(ctx, o.Cost, o.Role, o.Model, o.CacheHit)
	return nil
}

// List returns outcomes in the half-open range [from, to), newest first.
// Pass to as the start of the next period to avoid double-counting at
// boundaries.
func (s *Store) List(ctx context.Context, from, to time.Time, limit int) ([]QueryOutcome, error) {
	ctx, span := tracer.Start(ctx, "ledger.list")
	defer span.End()

	query := `SELECT id, timestamp, username, role, cache_hit, tokens_used, cost, model, blocked_by
	          FROM query_outcomes WHERE 1=1`
	args := []interface{}{}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, to.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	var results []QueryOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			continue
		}
		results = append(results, o)
	}
	span.SetAttributes(attribute.Int("ledger.count", len(results)))
	return results, rows.Err()
}

// Summarize computes the headline metrics for [from, to). MoneySaved is the
// historical average cost of an API call multiplied by the cache hit count:
// each hit avoided roughly one average-priced upstream call.
func (s *Store) Summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "ledger.summarize")
	defer span.End()

	outcomes, err := s.List(ctx, from, to, 0)
	if err != nil {
		return nil, err
	}

	sum := &Summary{CostByModel: map[string]float64{}}
	for _, o := range outcomes {
		sum.Total++
		sum.Tokens += o.TokensUsed
		sum.Cost += o.Cost
		switch {
		case o.BlockedBy != "":
			sum.Blocked++
		case o.CacheHit:
			sum.CacheHits++
		default:
			sum.APICalls++
			if o.Model != "" {
				sum.CostByModel[o.Model] += o.Cost
			}
		}
	}

	if answered := sum.CacheHits + sum.APICalls; answered > 0 {
		sum.HitRate = float64(sum.CacheHits) / float64(answered)
	}
	if sum.APICalls > 0 {
		avgCost := sum.Cost / float64(sum.APICalls)
		sum.MoneySaved = avgCost * float64(sum.CacheHits)
	}

	span.SetAttributes(
		attribute.Int("ledger.total", sum.Total),
		attribute.Float64("ledger.money_saved", sum.MoneySaved),
	)
	return sum, nil
}

// Aggregate groups outcomes in [from, to) into buckets of the given width
// (typically time.Hour or 24h). Buckets align to multiples of width in UTC;
// empty buckets are included so charts have a continuous axis.
func (s *Store) Aggregate(ctx context.Context, from, to time.Time, width time.Duration) ([]TimeBucket, error) {
	ctx, span := tracer.Start(ctx, "ledger.aggregate",
		trace.WithAttributes(attribute.String("ledger.bucket_width", width.String())))
	defer span.End()

	if width <= 0 {
		return nil, fmt.Errorf("ledger: bucket width must be positive")
	}

	from = from.UTC().Truncate(width)
	to = to.UTC()

	outcomes, err := s.List(ctx, from, to, 0)
	if err != nil {
		return nil, err
	}

	byStart := make(map[time.Time]*TimeBucket)
	for start := from; start.Before(to); start = start.Add(width) {
		byStart[start] = &TimeBucket{BucketStart: start}
	}
	for _, o := range outcomes {
		start := o.Timestamp.UTC().Truncate(width)
		b, ok := byStart[start]
		if !ok {
			continue
		}
		b.Total++
		b.Tokens += o.TokensUsed
		b.Cost += o.Cost
		switch {
		case o.BlockedBy != "":
			b.Blocked++
		case o.CacheHit:
			b.CacheHits++
		default:
			b.APICalls++
		}
	}

	buckets := make([]TimeBucket, 0, len(byStart))
	for start := from; start.Before(to); start = start.Add(width) {
		buckets = append(buckets, *byStart[start])
	}
	span.SetAttributes(attribute.Int("ledger.bucket_count", len(buckets)))
	return buckets, nil
}

// Purge deletes outcomes older than the cutoff and returns how many rows
// were removed. Wired to the retention cron job.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "ledger.purge")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM query_outcomes WHERE timestamp < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging outcomes: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged outcomes: %w", err)
	}
	span.SetAttributes(attribute.Int64("ledger.purged", removed))
	return removed, nil
}

func scanOutcome(rows *sql.Rows) (QueryOutcome, error) {
	var o QueryOutcome
	var cacheHit int
	err := rows.Scan(&o.ID, &o.Timestamp, &o.Username, &o.Role,
		&cacheHit, &o.TokensUsed, &o.Cost, &o.Model, &o.BlockedBy)
	o.CacheHit = cacheHit != 0
	return o, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
