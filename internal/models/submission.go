package models

import "time"

// Status is the lifecycle state of a Submission.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusPublishing Status = "publishing" // claimed by a batch publish in flight
	StatusRejected   Status = "rejected"
	StatusPublished  Status = "published"
)

// Submission is a user-authored item progressing through review to
// publication. A nil DisplayName marks the submission as anonymous.
type Submission struct {
	ID          uint    `gorm:"primaryKey;autoIncrement"`
	AuthorID    int64   `gorm:"not null;index"`
	DisplayName *string `gorm:"size:128"`
	Single      bool    `gorm:"default:false"`
	Status      Status  `gorm:"size:16;default:created;index"`
	Artifact    string  `gorm:"size:512"` // rendered preview uploaded at publish time
	ExternalRef *string `gorm:"size:256"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time `gorm:"index"` // set when the author finalizes
	PublishedAt *time.Time

	Approvals []SubmissionApproval `gorm:"foreignKey:SubmissionID"`
}

// Anonymous reports whether the author withheld their display name.
func (s *Submission) Anonymous() bool {
	return s.DisplayName == nil
}

// Author returns the display name, or "anonymous".
func (s *Submission) Author() string {
	if s.DisplayName == nil {
		return "anonymous"
	}
	return *s.DisplayName
}

// SubmissionApproval records one operator's approval. The composite key
// keeps approvals distinct per operator.
type SubmissionApproval struct {
	SubmissionID uint  `gorm:"primaryKey"`
	OperatorID   int64 `gorm:"primaryKey"`
	CreatedAt    time.Time
}

// SubmissionRejection is the audit record written when an operator rejects
// a submission.
type SubmissionRejection struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SubmissionID uint   `gorm:"not null;index"`
	OperatorID   int64  `gorm:"not null"`
	Reason       string `gorm:"type:text"`
	CreatedAt    time.Time
}
