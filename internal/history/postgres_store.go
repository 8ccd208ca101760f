package history

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the settlements table with NUMERIC columns.
// The cmd/migrate binary runs the same schema through goose; this path
// exists so a fresh deployment can boot without a separate migrate step.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlements (
			id             VARCHAR(36) PRIMARY KEY,
			wager_id       VARCHAR(128) NOT NULL UNIQUE,
			outcome        VARCHAR(16) NOT NULL,
			challenger_id  VARCHAR(64) NOT NULL,
			opponent_id    VARCHAR(64) NOT NULL,
			stake          NUMERIC(20,6) NOT NULL,
			pot            NUMERIC(20,6) NOT NULL,
			winner_id      VARCHAR(64),
			fee_bps        BIGINT NOT NULL DEFAULT 0,
			fee            NUMERIC(20,6),
			payout         NUMERIC(20,6),
			house_top_up   BOOLEAN NOT NULL DEFAULT FALSE,
			tx_hash        VARCHAR(66),
			created_at     TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_settlements_created ON settlements(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_settlements_challenger ON settlements(challenger_id);
		CREATE INDEX IF NOT EXISTS idx_settlements_opponent ON settlements(opponent_id);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, s *Settlement) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, wager_id, outcome, challenger_id, opponent_id,
			stake, pot, winner_id, fee_bps, fee, payout, house_top_up, tx_hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,6), $7::NUMERIC(20,6), NULLIF($8, ''), $9,
			NULLIF($10, '')::NUMERIC(20,6), NULLIF($11, '')::NUMERIC(20,6), $12, NULLIF($13, ''), $14
		)
	`, s.ID, s.WagerID, s.Outcome, s.ChallengerID, s.OpponentID,
		s.Stake, s.Pot, s.WinnerID, s.FeeBps, s.Fee, s.Payout, s.HouseTopUp, s.TxHash, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByWager(ctx context.Context, wagerID string) (*Settlement, error) {
	s := &Settlement{}
	var winner, fee, payout, txHash sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, wager_id, outcome, challenger_id, opponent_id,
		       stake, pot, winner_id, fee_bps, fee, payout, house_top_up, tx_hash, created_at
		FROM settlements WHERE wager_id = $1
	`, wagerID).Scan(&s.ID, &s.WagerID, &s.Outcome, &s.ChallengerID, &s.OpponentID,
		&s.Stake, &s.Pot, &winner, &s.FeeBps, &fee, &payout, &s.HouseTopUp, &txHash, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.WinnerID = winner.String
	s.Fee = fee.String
	s.Payout = payout.String
	s.TxHash = txHash.String
	return s, nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wager_id, outcome, challenger_id, opponent_id,
		       stake, pot, winner_id, fee_bps, fee, payout, house_top_up, tx_hash, created_at
		FROM settlements
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Settlement
	for rows.Next() {
		s := &Settlement{}
		var winner, fee, payout, txHash sql.NullString
		if err := rows.Scan(&s.ID, &s.WagerID, &s.Outcome, &s.ChallengerID, &s.OpponentID,
			&s.Stake, &s.Pot, &winner, &s.FeeBps, &fee, &payout, &s.HouseTopUp, &txHash, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.WinnerID = winner.String
		s.Fee = fee.String
		s.Payout = payout.String
		s.TxHash = txHash.String
		result = append(result, s)
	}
	return result, rows.Err()
}
