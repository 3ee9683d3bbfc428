package state

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	ClaimReasonLogin   = "login"
	ClaimReasonReclaim = "reclaim"
)

type Claim struct {
	ID        int64     `db:"claim_id"`
	UserID    string    `db:"user_id"`
	SessionID string    `db:"session_id"`
	Reason    string    `db:"reason"`
	ClaimedAt time.Time `db:"claimed_at"`
}

// ClaimsTable is an append-only log of every session claim. It is never read on the hot path; it
// exists so admins can see which devices have been fighting over an account.
type ClaimsTable struct {
	db *sqlx.DB
}

func NewClaimsTable(db *sqlx.DB) *ClaimsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS anatoplus_session_claims_seq;
	CREATE TABLE IF NOT EXISTS anatoplus_session_claims (
		claim_id BIGINT PRIMARY KEY DEFAULT nextval('anatoplus_session_claims_seq'),
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		claimed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		CONSTRAINT anatoplus_session_claims_reason CHECK (reason IN ('login', 'reclaim'))
	);
	CREATE INDEX IF NOT EXISTS anatoplus_session_claims_user_idx ON anatoplus_session_claims(user_id, claim_id);
	`)
	return &ClaimsTable{db}
}

func (t *ClaimsTable) Insert(ctx context.Context, txn *sqlx.Tx, userID, sessionID, reason string) error {
	_, err := txn.ExecContext(ctx, `INSERT INTO anatoplus_session_claims(user_id, session_id, reason) VALUES($1,$2,$3)`,
		userID, sessionID, reason)
	return err
}

// History returns up to limit claims for this user, newest first.
func (t *ClaimsTable) History(ctx context.Context, userID string, limit int) ([]Claim, error) {
	var claims []Claim
	err := t.db.SelectContext(ctx, &claims, `SELECT claim_id, user_id, session_id, reason, claimed_at
	FROM anatoplus_session_claims WHERE user_id=$1 ORDER BY claim_id DESC LIMIT $2`, userID, limit)
	return claims, err
}
