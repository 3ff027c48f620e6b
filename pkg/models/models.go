package models

import "time"

// Repository is a starred repository as recorded during one ingestion run.
type Repository struct {
	ID          int64     `json:"id,omitempty"`
	FullName    string    `json:"full_name"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	Language    string    `json:"language,omitempty"`
	Stars       int       `json:"stars"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type SearchResult struct {
	Name       string  `json:"name"`
	FullName   string  `json:"full_name"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Terminal progress statuses.
const (
	StatusComplete = "COMPLETE"
	StatusError    = "ERROR"
)

// ProgressEvent reports ingestion progress to whoever is listening. Status
// is empty for per-repository events.
type ProgressEvent struct {
	CurrentRepo string `json:"current_repo,omitempty"`
	Processed   int    `json:"processed_count"`
	Total       int    `json:"total_count"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Terminal reports whether the event ends the run.
func (e ProgressEvent) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

type SkippedRepository struct {
	FullName string `json:"full_name"`
	Reason   string `json:"reason"`
}

// IngestionSummary is returned once a run has gone through every listed
// repository.
type IngestionSummary struct {
	RunID        string              `json:"run_id"`
	Username     string              `json:"github_username"`
	Listed       int                 `json:"repos_listed"`
	Processed    int                 `json:"repos_processed"`
	Stored       int                 `json:"repos_stored"`
	Repositories []Repository        `json:"repositories"`
	Skipped      []SkippedRepository `json:"skipped,omitempty"`
	Status       string              `json:"status"`
}
