package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrUnknownField is returned when asked to write a profile column which is not writable.
var ErrUnknownField = errors.New("unknown profile field")

const (
	FieldLastSessionID = "last_session_id"
	FieldFullName      = "full_name"
	FieldIsActive      = "is_active"
	FieldPlanID        = "plan_id"
)

// writable profile columns. Column names cannot be bound as query parameters, so anything
// interpolated into SQL must come from this set.
var writableFields = map[string]bool{
	FieldLastSessionID: true,
	FieldFullName:      true,
	FieldIsActive:      true,
	FieldPlanID:        true,
}

const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

type Profile struct {
	UserID        string         `db:"user_id"`
	Email         string         `db:"email"`
	FullName      string         `db:"full_name"`
	Role          string         `db:"role"`
	IsActive      bool           `db:"is_active"`
	PlanID        sql.NullString `db:"plan_id"`
	LastSessionID sql.NullString `db:"last_session_id"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// ProfilesTable stores one row per user. The last_session_id column is the session claim: the
// device token of whichever device most recently logged in or reclaimed the account.
type ProfilesTable struct {
	db *sqlx.DB
}

func NewProfilesTable(db *sqlx.DB) *ProfilesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS anatoplus_profiles (
		user_id TEXT NOT NULL PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'student',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		plan_id TEXT,
		last_session_id TEXT,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		CONSTRAINT anatoplus_profiles_role CHECK (role IN ('student', 'admin'))
	);
	`)
	return &ProfilesTable{db}
}

// Insert a profile row, replacing the descriptive columns if the row already exists. The
// session claim is never touched by Insert.
func (t *ProfilesTable) Insert(ctx context.Context, p *Profile) error {
	if p.Role == "" {
		p.Role = RoleStudent
	}
	_, err := t.db.NamedExecContext(ctx, `
	INSERT INTO anatoplus_profiles(user_id, email, full_name, role, is_active, plan_id, updated_at)
	VALUES (:user_id, :email, :full_name, :role, :is_active, :plan_id, now())
	ON CONFLICT (user_id) DO UPDATE SET
		email = EXCLUDED.email, full_name = EXCLUDED.full_name, role = EXCLUDED.role,
		is_active = EXCLUDED.is_active, plan_id = EXCLUDED.plan_id, updated_at = now()`, p)
	return err
}

// Profile returns the profile for this user, or nil if there is no profile yet. The hosted
// auth service creates profiles asynchronously so callers must tolerate a missing row.
func (t *ProfilesTable) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := t.db.GetContext(ctx, &p, `SELECT user_id, email, full_name, role, is_active, plan_id, last_session_id, updated_at
	FROM anatoplus_profiles WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateField upserts a single column of a single row, keyed on user_id. Concurrent writers to the
// same column simply overwrite each other: the last write wins.
func (t *ProfilesTable) UpdateField(ctx context.Context, txn sqlx.ExecerContext, userID, field string, value interface{}) error {
	if !writableFields[field] {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if txn == nil {
		txn = t.db
	}
	_, err := txn.ExecContext(ctx, fmt.Sprintf(`
	INSERT INTO anatoplus_profiles(user_id, %[1]s, updated_at) VALUES($1, $2, now())
	ON CONFLICT (user_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = now()`, field),
		userID, value,
	)
	return err
}
