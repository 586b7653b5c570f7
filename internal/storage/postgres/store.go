package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txreplay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS replay_results (
	id             BIGSERIAL PRIMARY KEY,
	tx_hash        TEXT NOT NULL,
	replay_tx_hash TEXT NOT NULL,
	fork_block     BIGINT NOT NULL,
	status         TEXT NOT NULL,
	gas_used       BIGINT NOT NULL,
	block_number   BIGINT NOT NULL,
	revert_reason  TEXT,
	log_count      INTEGER NOT NULL,
	analysis       TEXT,
	result         JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tx_hash, replay_tx_hash)
);
CREATE TABLE IF NOT EXISTS replay_account_diffs (
	result_id      BIGINT NOT NULL REFERENCES replay_results(id) ON DELETE CASCADE,
	address        TEXT NOT NULL,
	balance_before NUMERIC(78,0) NOT NULL,
	balance_after  NUMERIC(78,0) NOT NULL,
	balance_change NUMERIC(78,0) NOT NULL,
	nonce_before   BIGINT NOT NULL,
	nonce_after    BIGINT NOT NULL,
	code_changed   BOOLEAN NOT NULL,
	PRIMARY KEY (result_id, address)
);
`

// Store provides Postgres persistence for replay results.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the result tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Put stores one result and its account diffs in a single transaction and
// returns a locator for the row.
func (s *Store) Put(ctx context.Context, result model.ResultBundle) (string, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return "", fmt.Errorf("ensure schema: %w", err)
	}
	id, err := s.SaveResult(ctx, result)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("replay_results/%d", id), nil
}

// SaveResult upserts the result row and replaces its account diffs.
func (s *Store) SaveResult(ctx context.Context, result model.ResultBundle) (int64, error) {
	doc, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}

	var analysis *string
	if a := result.Analysis; a != nil && a.Available {
		analysis = &a.Text
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	o := result.Outcome
	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO replay_results (
			tx_hash, replay_tx_hash, fork_block, status, gas_used, block_number,
			revert_reason, log_count, analysis, result, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tx_hash, replay_tx_hash)
		DO UPDATE SET
			status = EXCLUDED.status,
			gas_used = EXCLUDED.gas_used,
			block_number = EXCLUDED.block_number,
			revert_reason = EXCLUDED.revert_reason,
			log_count = EXCLUDED.log_count,
			analysis = EXCLUDED.analysis,
			result = EXCLUDED.result
		RETURNING id
	`,
		result.TxHash,
		o.TxHash,
		int64(result.ForkBlock),
		string(o.Status),
		int64(o.GasUsed),
		int64(o.BlockNumber),
		o.RevertReason,
		len(o.Logs),
		analysis,
		doc,
		createdAt(result.GeneratedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM replay_account_diffs WHERE result_id = $1`, id); err != nil {
		return 0, fmt.Errorf("clear diffs: %w", err)
	}

	if len(result.StateDiff) > 0 {
		addrs := make([]common.Address, 0, len(result.StateDiff))
		for addr := range result.StateDiff {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })

		batch := &pgx.Batch{}
		for _, addr := range addrs {
			d := result.StateDiff[addr]
			// Wei amounts are passed as decimal text and cast, so values past
			// 64 bits keep full precision.
			batch.Queue(`
				INSERT INTO replay_account_diffs (
					result_id, address, balance_before, balance_after, balance_change,
					nonce_before, nonce_after, code_changed
				) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
			`,
				id,
				addr.Hex(),
				model.BigString(d.Before.Balance),
				model.BigString(d.After.Balance),
				model.BigString(d.BalanceChange),
				int64(d.Before.Nonce),
				int64(d.After.Nonce),
				d.CodeChanged,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range addrs {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, fmt.Errorf("insert diff: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
