// Package submission owns the lifecycle of user submissions before review:
// the durable store, per-author sessions, and daily quotas.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable table of submissions and the single source of truth
// for lifecycle state. Every transition is a guarded update so that a row
// in an unexpected state is reported as not found instead of overwritten.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a migrated GORM handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ApprovalState is the outcome of recording one approval.
type ApprovalState struct {
	Submission models.Submission
	Added      bool // false when the operator had already approved
	Count      int  // distinct approvals after this call
}

func statusArgs(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func notFound(id uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewError(KindNotFound, id, 0, nil)
	}
	return err
}

// Create inserts a new submission in the created state. A nil displayName
// makes it anonymous.
func (s *Store) Create(ctx context.Context, authorID int64, displayName *string, single bool) (*models.Submission, error) {
	sub := models.Submission{
		AuthorID:    authorID,
		DisplayName: displayName,
		Single:      single,
		Status:      models.StatusCreated,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, fmt.Errorf("submission: create for author %d: %w", authorID, err)
	}
	return &sub, nil
}

// Get returns a submission with its approvals.
func (s *Store) Get(ctx context.Context, id uint) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.WithContext(ctx).Preload("Approvals").First(&sub, id).Error
	if err != nil {
		return nil, notFound(id, err)
	}
	return &sub, nil
}

// List returns submissions in any of the given statuses (all when none are
// given), ordered by id ascending.
func (s *Store) List(ctx context.Context, statuses ...models.Status) ([]models.Submission, error) {
	q := s.db.WithContext(ctx).Preload("Approvals").Order("id ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusArgs(statuses))
	}
	var subs []models.Submission
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("submission: list: %w", err)
	}
	return subs, nil
}

// IDs returns the ids in status, ascending.
func (s *Store) IDs(ctx context.Context, status models.Status) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("status = ?", string(status)).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("submission: ids in %s: %w", status, err)
	}
	return ids, nil
}

// Confirm moves a created submission to pending review, stamping the
// confirmation time and recording its rendered preview.
func (s *Store) Confirm(ctx context.Context, id uint, artifact string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, string(models.StatusCreated)).
		Updates(map[string]interface{}{
			"status":       models.StatusPending,
			"artifact":     artifact,
			"confirmed_at": at.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("submission: confirm #%d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return NewError(KindNotFound, id, 0, nil)
	}
	return nil
}

// Transition moves a submission from one status to another.
func (s *Store) Transition(ctx context.Context, id uint, from, to models.Status) error {
	res := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("submission: %s -> %s #%d: %w", from, to, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return NewError(KindNotFound, id, 0, fmt.Errorf("not %s", from))
	}
	return nil
}

// AddApproval records operatorID's approval of a pending submission and
// returns the resulting distinct approval count. Approvals of submissions
// outside pending review are refused, which freezes the set once a
// submission moves on.
func (s *Store) AddApproval(ctx context.Context, id uint, operatorID int64) (*ApprovalState, error) {
	var state ApprovalState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND status = ?", id, string(models.StatusPending)).
			First(&state.Submission).Error; err != nil {
			return notFound(id, err)
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SubmissionApproval{
			SubmissionID: id,
			OperatorID:   operatorID,
		})
		if res.Error != nil {
			return fmt.Errorf("insert approval: %w", res.Error)
		}
		state.Added = res.RowsAffected > 0

		var count int64
		if err := tx.Model(&models.SubmissionApproval{}).
			Where("submission_id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("count approvals: %w", err)
		}
		state.Count = int(count)
		return nil
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("submission: approve #%d: %w", id, err)
	}
	return &state, nil
}

// Reject moves a pending submission to rejected and writes an audit row.
func (s *Store) Reject(ctx context.Context, id uint, operatorID int64, reason string) (*models.Submission, error) {
	var sub models.Submission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Submission{}).
			Where("id = ? AND status = ?", id, string(models.StatusPending)).
			Update("status", models.StatusRejected)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewError(KindNotFound, id, 0, nil)
		}
		if err := tx.Create(&models.SubmissionRejection{
			SubmissionID: id,
			OperatorID:   operatorID,
			Reason:       reason,
		}).Error; err != nil {
			return fmt.Errorf("audit rejection: %w", err)
		}
		return tx.First(&sub, id).Error
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("submission: reject #%d: %w", id, err)
	}
	return &sub, nil
}

// Claim moves every id from status from to publishing in one transaction.
// The guarded update lets exactly one caller own a batch even when several
// processes share the database. Either all ids are claimed or none are.
func (s *Store) Claim(ctx context.Context, ids []uint, from models.Status) error {
	return s.move(ctx, "claim", ids, from, models.StatusPublishing)
}

// Release returns claimed ids to status to after a failed publish.
func (s *Store) Release(ctx context.Context, ids []uint, to models.Status) error {
	return s.move(ctx, "release", ids, models.StatusPublishing, to)
}

func (s *Store) move(ctx context.Context, op string, ids []uint, from, to models.Status) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Model(&models.Submission{}).
				Where("id = ? AND status = ?", id, string(from)).
				Update("status", to)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return NewError(KindNotFound, id, 0, fmt.Errorf("not %s", from))
			}
		}
		return nil
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return err
		}
		return fmt.Errorf("submission: %s %v: %w", op, ids, err)
	}
	return nil
}

// MarkPublished records the external reference of every claimed id in one
// transaction. Either all rows move to published or none do.
func (s *Store) MarkPublished(ctx context.Context, ids []uint, refs []string, at time.Time) error {
	if len(ids) != len(refs) {
		return fmt.Errorf("submission: mark published: %d ids but %d refs", len(ids), len(refs))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			res := tx.Model(&models.Submission{}).
				Where("id = ? AND status = ?", id, string(models.StatusPublishing)).
				Updates(map[string]interface{}{
					"status":       models.StatusPublished,
					"external_ref": refs[i],
					"published_at": at.UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return NewError(KindNotFound, id, 0, nil)
			}
		}
		return nil
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return err
		}
		return fmt.Errorf("submission: mark published: %w", err)
	}
	return nil
}

// Delete removes a submission and its approvals. When statuses are given the
// row is only removed while in one of them. Rejection audit rows are kept.
func (s *Store) Delete(ctx context.Context, id uint, statuses ...models.Status) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", id)
		if len(statuses) > 0 {
			q = q.Where("status IN ?", statusArgs(statuses))
		}
		res := q.Delete(&models.Submission{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewError(KindNotFound, id, 0, nil)
		}
		return tx.Where("submission_id = ?", id).Delete(&models.SubmissionApproval{}).Error
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return err
		}
		return fmt.Errorf("submission: delete #%d: %w", id, err)
	}
	return nil
}

// Timestamps are written and compared in UTC so that sqlite's textual
// encoding orders them correctly.

// CountAnonymousSince counts the author's anonymous submissions confirmed at
// or after since.
func (s *Store) CountAnonymousSince(ctx context.Context, authorID int64, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("author_id = ? AND display_name IS NULL AND confirmed_at >= ?", authorID, since.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("submission: count anonymous for %d: %w", authorID, err)
	}
	return n, nil
}

// AnonymousSince lists the ids of the author's anonymous submissions
// confirmed at or after since.
func (s *Store) AnonymousSince(ctx context.Context, authorID int64, since time.Time) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("author_id = ? AND display_name IS NULL AND confirmed_at >= ?", authorID, since.UTC()).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("submission: anonymous for %d: %w", authorID, err)
	}
	return ids, nil
}

// Count returns the number of confirmed submissions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("status <> ?", string(models.StatusCreated)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("submission: count: %w", err)
	}
	return n, nil
}
