package db

import (
	"time"

	"github.com/google/uuid"
)

// Run represents a generation run record
type Run struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	TestType    string     `json:"test_type"`
	Framework   string     `json:"framework"`
	Language    string     `json:"language"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StageArtifact represents one stage's stored output
type StageArtifact struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Stage     string    `json:"stage"`
	Ordinal   int       `json:"ordinal"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
