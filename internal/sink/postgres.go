package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
)

// PostgresConfig configures the Postgres sink.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	Table        string        `yaml:"table"`
	ConnTimeout  time.Duration `yaml:"conn_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// PostgresSink writes event batches into a single events table. Payload
// polymorphism is carried by the JSONB payload column's "kind"
// discriminator. Each batch is one transaction so a batch is either fully
// durable or not written at all.
type PostgresSink struct {
	db    *sqlx.DB
	table string
}

type eventRow struct {
	Timestamp         time.Time `db:"ts"`
	ReceivedAt        time.Time `db:"received_at"`
	ReceivedMonotonic int64     `db:"received_monotonic"`
	Symbol            string    `db:"symbol"`
	CanonicalSymbol   string    `db:"canonical_symbol"`
	Type              string    `db:"type"`
	Payload           []byte    `db:"payload"`
	Sequence          int64     `db:"sequence"`
	Source            string    `db:"source"`
	SchemaVersion     int       `db:"schema_version"`
	Tier              string    `db:"tier"`
}

// NewPostgresSink connects to Postgres and prepares the sink.
func NewPostgresSink(cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres sink: dsn is required")
	}
	if cfg.Table == "" {
		cfg.Table = "market_events"
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: connect: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	log.Info().Str("table", cfg.Table).Msg("postgres sink connected")
	return &PostgresSink{db: db, table: cfg.Table}, nil
}

// WriteBatch inserts the batch in one transaction, preserving order.
func (s *PostgresSink) WriteBatch(ctx context.Context, batch []domain.Event) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]eventRow, 0, len(batch))
	for i := range batch {
		ev := batch[i]
		payload, err := domain.MarshalPayload(ev.Payload)
		if err != nil {
			log.Error().Err(err).Str("symbol", ev.Symbol).Msg("postgres sink: dropping unencodable event")
			continue
		}
		rows = append(rows, eventRow{
			Timestamp:         ev.Timestamp,
			ReceivedAt:        ev.ReceivedAt,
			ReceivedMonotonic: ev.ReceivedMonotonic,
			Symbol:            ev.Symbol,
			CanonicalSymbol:   ev.CanonicalSymbol,
			Type:              string(ev.Type),
			Payload:           payload,
			Sequence:          int64(ev.Sequence),
			Source:            ev.Source,
			SchemaVersion:     ev.SchemaVersion,
			Tier:              string(ev.Tier),
		})
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres sink: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := fmt.Sprintf(`INSERT INTO %s
		(ts, received_at, received_monotonic, symbol, canonical_symbol, type, payload, sequence, source, schema_version, tier)
		VALUES (:ts, :received_at, :received_monotonic, :symbol, :canonical_symbol, :type, :payload, :sequence, :source, :schema_version, :tier)`,
		s.table)

	if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("postgres sink: insert batch of %d: %w", len(rows), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres sink: commit: %w", err)
	}
	return nil
}

// Flush is a no-op: batches are committed transactionally on write.
func (s *PostgresSink) Flush(ctx context.Context) error { return nil }

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
