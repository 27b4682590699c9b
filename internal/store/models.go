package store

import (
	"time"

	"healmycity/api/internal/workflow"
)

// Issue is a citizen-reported civic problem. Everything except status and
// upvote_count is immutable after creation; upvote_count is maintained
// transactionally alongside the votes table and never written directly.
type Issue struct {
	ID            string          `json:"id"`
	ReporterID    string          `json:"reporterId"`
	ImageURL      string          `json:"imageUrl"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	SeverityScore int             `json:"severityScore"`
	Status        workflow.Status `json:"status"`
	Latitude      float64         `json:"latitude"`
	Longitude     float64         `json:"longitude"`
	UpvoteCount   int             `json:"upvoteCount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewIssue carries the immutable fields of an issue at creation time.
// ID, status, upvote count, and created_at are assigned by the store.
type NewIssue struct {
	ReporterID    string
	ImageURL      string
	Title         string
	Description   string
	Category      string
	SeverityScore int
	Latitude      float64
	Longitude     float64
}

// Vote is a membership record: its existence is the vote. The timestamp is
// audit-only.
type Vote struct {
	UserID    string    `json:"userId"`
	IssueID   string    `json:"issueId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary holds the dashboard counters.
type Summary struct {
	TotalIssues      int `json:"totalIssues"`
	OpenIssues       int `json:"openIssues"`
	InProgressIssues int `json:"inProgressIssues"`
	ResolvedIssues   int `json:"resolvedIssues"`
	TotalVotes       int `json:"totalVotes"`
}
