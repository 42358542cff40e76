package store

import "time"

// User is a participant who owns runs.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	TeamName string `json:"team_name"`
}

// Query is an experimental query offered by a site.
type Query struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	// Text is the query string shown to participants.
	Text string `json:"text,omitempty"`
	// DoclistModified is when the candidate document list last changed.
	// Nil when the site never replaced it.
	DoclistModified *time.Time `json:"doclist_modified,omitempty"`
	// Deleted queries are excluded from retention sweeps.
	Deleted bool `json:"deleted"`
}

// Run is a participant's ranked document list for one query. There is at
// most one run per (user, query).
type Run struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	QueryID      string    `json:"query_id"`
	ModifiedTime time.Time `json:"modified_time"`
}
