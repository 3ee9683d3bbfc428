package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pukassein/anatoplus/state"
)

const (
	// Required fields
	EnvDB = "ANATOPLUS_DB"

	// Optional fields
	EnvLimit = "ANATOPLUS_CLAIMLOG_LIMIT"
)

// claimlog prints which devices have been claiming a user's session, newest first.
func main() {
	args := map[string]string{
		EnvDB:    os.Getenv(EnvDB),
		EnvLimit: os.Getenv(EnvLimit),
	}
	if args[EnvDB] == "" || len(os.Args) != 2 {
		fmt.Printf("usage: %s=<postgres dsn> claimlog <user_id>\n", EnvDB)
		os.Exit(1)
	}
	userID := os.Args[1]
	limit := 20
	if args[EnvLimit] != "" {
		var err error
		limit, err = strconv.Atoi(args[EnvLimit])
		if err != nil || limit <= 0 {
			fmt.Printf("%s must be a positive integer\n", EnvLimit)
			os.Exit(1)
		}
	}

	store := state.NewStorage(args[EnvDB])
	defer store.Teardown()
	ctx := context.Background()

	profile, err := store.Profile(ctx, userID)
	if err != nil {
		panic(err)
	}
	if profile == nil {
		fmt.Printf("%s has no profile\n", userID)
	} else {
		fmt.Printf("%s (%s) current session: %s\n", userID, profile.Email, profile.LastSessionID.String)
	}

	claims, err := store.ClaimHistory(ctx, userID, limit)
	if err != nil {
		panic(err)
	}
	for _, c := range claims {
		fmt.Printf("%s  %-8s %s\n", c.ClaimedAt.Format("2006-01-02 15:04:05"), c.Reason, c.SessionID)
	}
}
