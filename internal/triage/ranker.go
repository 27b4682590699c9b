// Package triage holds the pure ranking and filtering rules shared by the
// public feed and the admin queue.
package triage

import (
	"sort"
	"strings"

	"healmycity/api/internal/store"
)

// Urgency is the admin ranking score: community weight plus AI-assessed
// severity, unweighted.
func Urgency(issue store.Issue) int {
	return issue.UpvoteCount + issue.SeverityScore
}

// SortFeed orders issues for citizens: most upvoted first, newest breaking
// ties, issue ID as the final tie-break so the order is total.
func SortFeed(issues []store.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.UpvoteCount != b.UpvoteCount {
			return a.UpvoteCount > b.UpvoteCount
		}
		return lessNewest(a, b)
	})
}

// SortTriage orders issues for staff: highest urgency first, then the feed
// tie-breaks.
func SortTriage(issues []store.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		ua, ub := Urgency(a), Urgency(b)
		if ua != ub {
			return ua > ub
		}
		if a.UpvoteCount != b.UpvoteCount {
			return a.UpvoteCount > b.UpvoteCount
		}
		return lessNewest(a, b)
	})
}

// SortNewest orders issues by creation time, newest first.
func SortNewest(issues []store.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return lessNewest(issues[i], issues[j])
	})
}

// SortUpvotes orders issues by upvote count alone, with the newest tie-break.
func SortUpvotes(issues []store.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.UpvoteCount != b.UpvoteCount {
			return a.UpvoteCount > b.UpvoteCount
		}
		return lessNewest(a, b)
	})
}

func lessNewest(a, b store.Issue) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Filter keeps issues whose title or description contains query,
// case-insensitively. An empty query keeps everything. Relative order is
// preserved, so filtering a ranked list equals ranking a filtered one.
func Filter(issues []store.Issue, query string) []store.Issue {
	query = strings.TrimSpace(query)
	if query == "" {
		return issues
	}
	needle := strings.ToLower(query)
	matched := make([]store.Issue, 0, len(issues))
	for _, issue := range issues {
		if strings.Contains(strings.ToLower(issue.Title), needle) ||
			strings.Contains(strings.ToLower(issue.Description), needle) {
			matched = append(matched, issue)
		}
	}
	return matched
}

// Page slices issues for the requested 1-based page. Out-of-range pages
// return an empty slice.
func Page(issues []store.Issue, page, limit int) []store.Issue {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	start := (page - 1) * limit
	if start >= len(issues) {
		return []store.Issue{}
	}
	end := start + limit
	if end > len(issues) {
		end = len(issues)
	}
	return issues[start:end]
}

// TotalPages reports how many pages a list of the given size spans.
func TotalPages(total, limit int) int {
	if limit < 1 {
		limit = 1
	}
	if total == 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
