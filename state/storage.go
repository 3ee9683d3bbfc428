package state

import (
	"context"
	"fmt"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/pukassein/anatoplus/internal"
	"github.com/pukassein/anatoplus/sqlutil"
	"github.com/pukassein/anatoplus/state/migrations"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage is the profile store. It is safe to share one Storage between every device on the server.
type Storage struct {
	ProfilesTable *ProfilesTable
	ClaimsTable   *ClaimsTable
	DB            *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	s := &Storage{
		ProfilesTable: NewProfilesTable(db),
		ClaimsTable:   NewClaimsTable(db),
		DB:            db,
	}
	if err := migrations.Up(db.DB); err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to run migrations")
	}
	return s
}

// UpdateProfileField writes a single column of the user's profile row, creating the row if needed.
func (s *Storage) UpdateProfileField(ctx context.Context, userID, field string, value interface{}) error {
	ctx, span := internal.StartSpan(ctx, "UpdateProfileField")
	defer span.End()
	return s.ProfilesTable.UpdateField(ctx, nil, userID, field, value)
}

// ClaimSession marks sessionID as the active session for this user and records the claim in the
// claims log. Both happen in one transaction so the log never disagrees with the profile.
func (s *Storage) ClaimSession(ctx context.Context, userID, sessionID, reason string) error {
	ctx, span := internal.StartSpan(ctx, "ClaimSession")
	defer span.End()
	internal.Logf(ctx, "claim", "user=%s reason=%s", userID, reason)
	err := sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := s.ProfilesTable.UpdateField(ctx, txn, userID, FieldLastSessionID, sessionID); err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		if err := s.ClaimsTable.Insert(ctx, txn, userID, sessionID, reason); err != nil {
			return fmt.Errorf("failed to log claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ClaimSession: %w", err)
	}
	return nil
}

// Profile returns the user's profile or nil if none exists yet.
func (s *Storage) Profile(ctx context.Context, userID string) (*Profile, error) {
	return s.ProfilesTable.Profile(ctx, userID)
}

// ClaimHistory returns the most recent claims for this user, newest first.
func (s *Storage) ClaimHistory(ctx context.Context, userID string, limit int) ([]Claim, error) {
	return s.ClaimsTable.History(ctx, userID, limit)
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
