package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
)

// openTestStore connects to the test database and applies migrations.
// Requires a reachable Postgres; skipped in short mode.
func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, testDatabaseURL())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func insertTestIssue(t *testing.T, s *PostgresStore) Issue {
	t.Helper()
	ctx := context.Background()
	issue, err := s.InsertIssue(ctx, NewIssue{
		ReporterID:    "usr_itest",
		ImageURL:      "http://cdn.local/issue-images/usr_itest-test.jpg",
		Title:         "Collapsed drain cover",
		Description:   "Drain cover caved in at the crosswalk",
		Category:      "road",
		SeverityScore: 6,
		Latitude:      51.5,
		Longitude:     -0.12,
	})
	if err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	// Votes cascade with the issue row.
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM issues WHERE id=$1`, issue.ID)
	})
	return issue
}

// TestCastVoteConcurrentSameUser verifies that two racing casts by the same
// user produce exactly one ledger row, a counter of one, and exactly one
// ErrAlreadyVoted.
func TestCastVoteConcurrentSameUser(t *testing.T) {
	s := openTestStore(t)
	issue := insertTestIssue(t, s)
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CastVote(ctx, "usr_racer", issue.ID)
		}(i)
	}
	wg.Wait()

	var casts, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			casts++
		case errors.Is(err, ErrAlreadyVoted):
			conflicts++
		default:
			t.Fatalf("unexpected cast error: %v", err)
		}
	}
	if casts != 1 || conflicts != 1 {
		t.Fatalf("casts=%d conflicts=%d, want 1 and 1", casts, conflicts)
	}

	assertCounterMatchesLedger(t, s, issue.ID, 1)
}

// TestVoteCounterMatchesLedgerUnderConcurrency fires many concurrent casts
// and retracts and verifies the denormalized counter always equals the
// number of ledger rows.
func TestVoteCounterMatchesLedgerUnderConcurrency(t *testing.T) {
	s := openTestStore(t)
	issue := insertTestIssue(t, s)
	ctx := context.Background()

	const voters = 8
	var wg sync.WaitGroup
	castErrs := make([]error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "usr_conc_" + string(rune('a'+i))
			_, castErrs[i] = s.CastVote(ctx, user, issue.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range castErrs {
		if err != nil {
			t.Fatalf("cast %d: %v", i, err)
		}
	}
	assertCounterMatchesLedger(t, s, issue.ID, voters)

	retractErrs := make([]error, voters/2)
	for i := range retractErrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "usr_conc_" + string(rune('a'+i))
			_, retractErrs[i] = s.RetractVote(ctx, user, issue.ID)
		}(i)
	}
	wg.Wait()
	for i, err := range retractErrs {
		if err != nil {
			t.Fatalf("retract %d: %v", i, err)
		}
	}
	assertCounterMatchesLedger(t, s, issue.ID, voters/2)
}

// TestRetractVoteWithoutLedgerRow verifies a retract with no vote on file
// writes nothing and reports ErrNoActiveVote.
func TestRetractVoteWithoutLedgerRow(t *testing.T) {
	s := openTestStore(t)
	issue := insertTestIssue(t, s)
	ctx := context.Background()

	if _, err := s.RetractVote(ctx, "usr_never_voted", issue.ID); !errors.Is(err, ErrNoActiveVote) {
		t.Fatalf("err = %v, want ErrNoActiveVote", err)
	}
	assertCounterMatchesLedger(t, s, issue.ID, 0)
}

func assertCounterMatchesLedger(t *testing.T, s *PostgresStore, issueID string, want int) {
	t.Helper()
	ctx := context.Background()

	var counter int
	if err := s.db.QueryRowContext(ctx, `SELECT upvote_count FROM issues WHERE id=$1`, issueID).Scan(&counter); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	var ledger int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM votes WHERE issue_id=$1`, issueID).Scan(&ledger); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if counter != want || ledger != want {
		t.Fatalf("counter=%d ledger=%d, want both %d", counter, ledger, want)
	}
}

// testDatabaseURL returns the database URL for integration tests, from
// TEST_DATABASE_URL or the standard Postgres environment variables.
func testDatabaseURL() string {
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "healmycity")
	pass := envOr("POSTGRES_PASSWORD", "healmycity")
	dbname := envOr("POSTGRES_DB", "healmycity_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
