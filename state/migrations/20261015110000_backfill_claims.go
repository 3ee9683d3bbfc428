package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upBackfillClaims, downBackfillClaims)
}

// Profiles which claimed a session before the claims log existed get a single synthetic
// 'login' claim, so that the history is never empty for a profile holding a claim.
func upBackfillClaims(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO anatoplus_session_claims(user_id, session_id, reason, claimed_at)
	SELECT p.user_id, p.last_session_id, 'login', p.updated_at FROM anatoplus_profiles p
	WHERE p.last_session_id IS NOT NULL AND NOT EXISTS (
		SELECT 1 FROM anatoplus_session_claims c WHERE c.user_id = p.user_id
	)`)
	return err
}

func downBackfillClaims(ctx context.Context, tx *sql.Tx) error {
	return nil
}
