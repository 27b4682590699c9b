package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"healmycity/api/internal/util"
	"healmycity/api/internal/workflow"
)

var (
	// ErrAlreadyVoted is returned when the caller already holds an active
	// vote on the issue.
	ErrAlreadyVoted = errors.New("vote already recorded")
	// ErrNoActiveVote is returned when a retraction finds no vote to remove.
	ErrNoActiveVote = errors.New("no active vote")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const issueColumns = `id, reporter_id, image_url, title, description, category,
	severity_score, status, latitude, longitude, upvote_count, created_at`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var issue Issue
	err := row.Scan(
		&issue.ID, &issue.ReporterID, &issue.ImageURL, &issue.Title,
		&issue.Description, &issue.Category, &issue.SeverityScore,
		&issue.Status, &issue.Latitude, &issue.Longitude,
		&issue.UpvoteCount, &issue.CreatedAt,
	)
	return issue, err
}

func (s *PostgresStore) InsertIssue(ctx context.Context, in NewIssue) (Issue, error) {
	id := util.NewID("iss")
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO issues (id, reporter_id, image_url, title, description, category,
			severity_score, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+issueColumns+`
	`, id, in.ReporterID, in.ImageURL, in.Title, in.Description, in.Category,
		in.SeverityScore, in.Latitude, in.Longitude)

	issue, err := scanIssue(row)
	if err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=$1`, issueID)
	issue, err := scanIssue(row)
	if err != nil {
		return Issue{}, err
	}
	return issue, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues`)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

func (s *PostgresStore) ListIssuesByReporter(ctx context.Context, reporterID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE reporter_id=$1
		ORDER BY created_at DESC, id
	`, reporterID)
	if err != nil {
		return nil, fmt.Errorf("list issues by reporter: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

func collectIssues(rows *sql.Rows) ([]Issue, error) {
	items := make([]Issue, 0)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// SearchIssues is the deterministic substring filter over title and
// description, matched case-insensitively. Ordering is left to the caller.
func (s *PostgresStore) SearchIssues(ctx context.Context, query string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE title ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%'
	`, query)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	defer rows.Close()
	return collectIssues(rows)
}

// UpdateIssueStatus moves an issue along the status workflow. The read and
// the write share one transaction with the row locked, so concurrent
// transitions serialize and the loser fails the workflow check.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID string, next workflow.Status) (Issue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Issue{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	var current workflow.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE id=$1 FOR UPDATE`, issueID).Scan(&current)
	if err != nil {
		return Issue{}, err
	}

	if err := workflow.Transition(current, next); err != nil {
		return Issue{}, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE issues SET status=$2 WHERE id=$1
		RETURNING `+issueColumns+`
	`, issueID, next)
	issue, err := scanIssue(row)
	if err != nil {
		return Issue{}, fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Issue{}, fmt.Errorf("commit status tx: %w", err)
	}
	return issue, nil
}

// CastVote records userID's vote on issueID and bumps the issue's counter in
// the same transaction. The (user_id, issue_id) primary key makes a repeat
// cast a no-op insert, reported as ErrAlreadyVoted.
func (s *PostgresStore) CastVote(ctx context.Context, userID, issueID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin vote tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO votes (user_id, issue_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, issue_id) DO NOTHING
	`, userID, issueID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, sql.ErrNoRows
		}
		return 0, fmt.Errorf("insert vote: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert vote result: %w", err)
	}
	if affected == 0 {
		return 0, ErrAlreadyVoted
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		UPDATE issues SET upvote_count = upvote_count + 1 WHERE id=$1
		RETURNING upvote_count
	`, issueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment upvote count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit vote tx: %w", err)
	}
	return count, nil
}

// RetractVote removes userID's vote on issueID and decrements the counter in
// the same transaction. Absent a ledger row, nothing is written and
// ErrNoActiveVote is returned.
func (s *PostgresStore) RetractVote(ctx context.Context, userID, issueID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retract tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE user_id=$1 AND issue_id=$2`, userID, issueID)
	if err != nil {
		return 0, fmt.Errorf("delete vote: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete vote result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issues WHERE id=$1)`, issueID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check issue: %w", err)
		}
		if !exists {
			return 0, sql.ErrNoRows
		}
		return 0, ErrNoActiveVote
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		UPDATE issues SET upvote_count = upvote_count - 1 WHERE id=$1
		RETURNING upvote_count
	`, issueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("decrement upvote count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retract tx: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) HasVoted(ctx context.Context, userID, issueID string) (bool, error) {
	var voted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM votes WHERE user_id=$1 AND issue_id=$2)
	`, userID, issueID).Scan(&voted)
	if err != nil {
		return false, fmt.Errorf("check vote: %w", err)
	}
	return voted, nil
}

func (s *PostgresStore) ListVotedIssueIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issue_id FROM votes WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list voted issues: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan voted issue: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate voted issues: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (Summary, error) {
	var summary Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status='open'),
			COUNT(*) FILTER (WHERE status='in_progress'),
			COUNT(*) FILTER (WHERE status='resolved'),
			COALESCE(SUM(upvote_count), 0)
		FROM issues
	`).Scan(
		&summary.TotalIssues, &summary.OpenIssues, &summary.InProgressIssues,
		&summary.ResolvedIssues, &summary.TotalVotes,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("summary counts: %w", err)
	}
	return summary, nil
}
