package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/swapmirror/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresSink writes outcomes to the copy_outcomes table.
type PostgresSink struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// '' inside a literal is an escaped quote.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewPostgresSink(ctx context.Context, dbDSN string) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sink := &PostgresSink{db: &DB{raw: db}}
	if err := sink.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func (s *PostgresSink) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS copy_outcomes (
			seq BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			leader TEXT NOT NULL,
			pool TEXT NOT NULL,
			source_signature TEXT NOT NULL,
			signature TEXT NOT NULL,
			state TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			priority_fee BIGINT NOT NULL,
			amount_in TEXT NOT NULL,
			min_out TEXT NOT NULL,
			expected_out TEXT NOT NULL,
			landed_slot BIGINT NOT NULL,
			latency_ms BIGINT NOT NULL,
			detail TEXT NOT NULL,
			manual BOOLEAN NOT NULL,
			completed_at BIGINT NOT NULL,
			PRIMARY KEY (started_at, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_copy_outcomes_leader ON copy_outcomes(leader, completed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_copy_outcomes_state ON copy_outcomes(state, completed_at);`,
		`CREATE TABLE IF NOT EXISTS leader_totals (
			leader TEXT PRIMARY KEY,
			copies BIGINT NOT NULL,
			landed BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// processStart keys rows of this run; sequence numbers restart on every boot.
var processStart = time.Now().UnixNano()

func (s *PostgresSink) WriteOutcome(ctx context.Context, outcome domain.Outcome) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if err := insertOutcomeTx(ctx, tx, outcome); err != nil {
			return err
		}
		return upsertLeaderTotalsTx(ctx, tx, outcome)
	})
}

func insertOutcomeTx(ctx context.Context, tx *Tx, o domain.Outcome) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO copy_outcomes (
			seq, started_at, leader, pool, source_signature, signature, state, error_kind,
			attempts, priority_fee, amount_in, min_out, expected_out, landed_slot,
			latency_ms, detail, manual, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (started_at, seq) DO NOTHING
	`,
		int64(o.Seq),
		processStart,
		o.Leader.String(),
		o.Pool.String(),
		o.SourceSignature.String(),
		o.Signature.String(),
		string(o.State),
		string(o.Kind),
		o.Attempts,
		int64(o.PriorityFee),
		strconv.FormatUint(o.AmountIn, 10),
		strconv.FormatUint(o.MinOut, 10),
		strconv.FormatUint(o.ExpectedOut, 10),
		int64(o.LandedSlot),
		o.Latency.Milliseconds(),
		o.Detail,
		o.Manual,
		o.CompletedAt.UnixMilli(),
	)
	return err
}

func upsertLeaderTotalsTx(ctx context.Context, tx *Tx, o domain.Outcome) error {
	landed := 0
	if o.State == domain.OutcomeLanded {
		landed = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO leader_totals (leader, copies, landed, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(leader) DO UPDATE SET
			copies = leader_totals.copies + 1,
			landed = leader_totals.landed + excluded.landed,
			updated_at = excluded.updated_at
	`, o.Leader.String(), landed, o.CompletedAt.Unix())
	return err
}
