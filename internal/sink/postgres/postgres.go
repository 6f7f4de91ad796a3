// Package postgres is the relational-store backing for internal/sink:
// opportunity rows keyed against a venues table, with upsert-on-missing-FK
// retry and rolling retention pruning.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/arbmon/internal/detector"
	"github.com/sawpanic/arbmon/internal/sink"
)

// Store implements sink.Sink against a Postgres opportunities table.
type Store struct {
	db             *sqlx.DB
	timeout        time.Duration
	retentionCount int
}

var _ sink.Sink = (*Store)(nil)

// New constructs a Store. retentionCount is the rolling bound enforced
// after every Append; 0 falls back to a default of 1000.
func New(db *sqlx.DB, timeout time.Duration, retentionCount int) *Store {
	if retentionCount <= 0 {
		retentionCount = 1000
	}
	return &Store{db: db, timeout: timeout, retentionCount: retentionCount}
}

const insertOpportunity = `
	INSERT INTO opportunities
		(id, symbol, buy_exchange, sell_exchange, buy_price, sell_price, spread,
		 spread_percent, estimated_profit, buy_fee, sell_fee, total_fee, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const upsertVenue = `
	INSERT INTO venues (name, ws_url, rest_url)
	VALUES ($1, $2, $3)
	ON CONFLICT (name) DO NOTHING`

// Append inserts one opportunity row. If the buy or sell venue has no row
// in the venues table yet, both venues are upserted from
// sink.DefaultVenueDescriptors and the insert is retried exactly once.
func (s *Store) Append(o detector.Opportunity) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.insert(ctx, o); err != nil {
		if isForeignKeyViolation(err) {
			if upErr := s.ensureVenues(ctx, o.BuyVenue, o.SellVenue); upErr != nil {
				return fmt.Errorf("ensure venue descriptors for %s/%s: %w", o.BuyVenue, o.SellVenue, upErr)
			}
			if retryErr := s.insert(ctx, o); retryErr != nil {
				return fmt.Errorf("insert opportunity %s after venue upsert retry: %w", o.ID, retryErr)
			}
		} else {
			return fmt.Errorf("insert opportunity %s: %w", o.ID, err)
		}
	}

	if err := s.pruneTo(ctx, s.retentionCount); err != nil {
		return fmt.Errorf("prune opportunities to %d: %w", s.retentionCount, err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, o detector.Opportunity) error {
	_, err := s.db.ExecContext(ctx, insertOpportunity,
		o.ID, o.CanonicalSymbol, o.BuyVenue, o.SellVenue, o.BuyPrice, o.SellPrice,
		o.GrossSpread, o.SpreadPercent, o.EstimatedNetProfit, o.BuyFee, o.SellFee,
		o.TotalFee, o.DetectedAt)
	return err
}

func (s *Store) ensureVenues(ctx context.Context, venueIDs ...string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range venueIDs {
		d, ok := sink.DefaultVenueDescriptors[id]
		if !ok {
			d = sink.VenueDescriptor{Name: id}
		}
		if _, err := tx.ExecContext(ctx, upsertVenue, d.Name, d.WSURL, d.RestURL); err != nil {
			return fmt.Errorf("upsert venue %s: %w", id, err)
		}
	}
	return tx.Commit()
}

const pruneQuery = `
	DELETE FROM opportunities
	WHERE id NOT IN (
		SELECT id FROM opportunities ORDER BY ts DESC LIMIT $1
	)`

// pruneTo deletes rows beyond the retentionCount-th most recent by
// detection time.
func (s *Store) pruneTo(ctx context.Context, retentionCount int) error {
	_, err := s.db.ExecContext(ctx, pruneQuery, retentionCount)
	return err
}

const countQuery = `SELECT COUNT(*) FROM opportunities`

// Count reports the current number of retained opportunity rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var n int
	if err := s.db.GetContext(ctx, &n, countQuery); err != nil {
		return 0, fmt.Errorf("count opportunities: %w", err)
	}
	return n, nil
}

const latestQuery = `
	SELECT id, symbol AS canonical_symbol, buy_exchange AS buy_venue,
	       sell_exchange AS sell_venue, buy_price, sell_price, spread AS gross_spread,
	       spread_percent, estimated_profit AS estimated_net_profit,
	       buy_fee, sell_fee, total_fee, ts AS detected_at
	FROM opportunities
	ORDER BY ts DESC
	LIMIT $1`

type opportunityRow struct {
	ID                 string    `db:"id"`
	CanonicalSymbol    string    `db:"canonical_symbol"`
	BuyVenue           string    `db:"buy_venue"`
	SellVenue          string    `db:"sell_venue"`
	BuyPrice           float64   `db:"buy_price"`
	SellPrice          float64   `db:"sell_price"`
	GrossSpread        float64   `db:"gross_spread"`
	SpreadPercent      float64   `db:"spread_percent"`
	EstimatedNetProfit float64   `db:"estimated_net_profit"`
	BuyFee             float64   `db:"buy_fee"`
	SellFee            float64   `db:"sell_fee"`
	TotalFee           float64   `db:"total_fee"`
	DetectedAt         time.Time `db:"detected_at"`
}

// Latest returns up to n opportunities, newest first.
func (s *Store) Latest(ctx context.Context, n int) ([]detector.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []opportunityRow
	if err := s.db.SelectContext(ctx, &rows, latestQuery, n); err != nil {
		return nil, fmt.Errorf("select latest %d opportunities: %w", n, err)
	}

	out := make([]detector.Opportunity, 0, len(rows))
	for _, r := range rows {
		out = append(out, detector.Opportunity{
			ID:                 r.ID,
			CanonicalSymbol:    r.CanonicalSymbol,
			BuyVenue:           r.BuyVenue,
			SellVenue:          r.SellVenue,
			BuyPrice:           r.BuyPrice,
			SellPrice:          r.SellPrice,
			GrossSpread:        r.GrossSpread,
			SpreadPercent:      r.SpreadPercent,
			EstimatedNetProfit: r.EstimatedNetProfit,
			BuyFee:             r.BuyFee,
			SellFee:            r.SellFee,
			TotalFee:           r.TotalFee,
			DetectedAt:         r.DetectedAt,
		})
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isForeignKeyViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23503"
}
