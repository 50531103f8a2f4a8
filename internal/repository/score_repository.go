package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUserNotFound signals that the email has no account row. The ledger
// never creates users; that is the signup flow's job.
var ErrUserNotFound = errors.New("user not found")

// ErrLogNotFound signals an unknown recognition request id.
var ErrLogNotFound = errors.New("recognition result not found")

// traceAlpha is the smoothing factor for letter-tracing scores.
const traceAlpha = 0.2

// ScoreRepository provides the persistence APIs for the scoring tables.
// Attempt counters are only ever updated with single-statement SQL deltas,
// never read-modify-write, so concurrent requests cannot lose updates.
type ScoreRepository struct {
	db *gorm.DB
}

// NewScoreRepository creates a new repository instance.
func NewScoreRepository(db *gorm.DB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

// AutoMigrate ensures the schema is available.
func (r *ScoreRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&User{},
		&LetterScore{},
		&RecognitionLog{},
		&GameScore{},
		&TraceScore{},
	)
}

// IncrementAttempt adds one to the attempted counter for (email, letter),
// creating the counter row on first use.
func (r *ScoreRepository) IncrementAttempt(ctx context.Context, email string, letter int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, email); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}, {Name: "letter"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"attempted": gorm.Expr("letter_scores.attempted + 1"),
			}),
		}).Create(&LetterScore{Email: email, Letter: letter, Attempted: 1}).Error
	})
}

// IncrementCorrect adds one to the correct counter for (email, letter). The
// orchestrator only calls it after IncrementAttempt succeeded for the same
// request, which keeps correct <= attempted at every point in time.
func (r *ScoreRepository) IncrementCorrect(ctx context.Context, email string, letter int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, email); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}, {Name: "letter"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"correct": gorm.Expr("letter_scores.correct + 1"),
			}),
		}).Create(&LetterScore{Email: email, Letter: letter, Attempted: 1, Correct: 1}).Error
	})
}

// LetterScores returns every counter row for the user, lowest letter first.
func (r *ScoreRepository) LetterScores(ctx context.Context, email string) ([]LetterScore, error) {
	var scores []LetterScore
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, email); err != nil {
			return err
		}
		return tx.Where("email = ?", email).Order("letter asc").Find(&scores).Error
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// SaveRecognitionLog persists one classified submission.
func (r *ScoreRepository) SaveRecognitionLog(ctx context.Context, log *RecognitionLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// FindRecognitionByRequestID retrieves a past recognition outcome.
func (r *ScoreRepository) FindRecognitionByRequestID(ctx context.Context, requestID string) (*RecognitionLog, error) {
	var log RecognitionLog
	if err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLogNotFound, requestID)
		}
		return nil, err
	}
	return &log, nil
}

// GameScore returns the stored best score for the field, or 0 when the user
// has not played that game yet.
func (r *ScoreRepository) GameScore(ctx context.Context, email, field string) (float64, error) {
	var score float64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, email); err != nil {
			return err
		}
		var row GameScore
		err := tx.First(&row, "email = ? AND field = ?", email, field).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		score = row.Score
		return nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

// SetGameScore stores the best score for the field, overwriting any
// previous value.
func (r *ScoreRepository) SetGameScore(ctx context.Context, email, field string, score float64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, email); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}, {Name: "field"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"score": score}),
		}).Create(&GameScore{Email: email, Field: field, Score: score}).Error
	})
}

// UpdateTraceScore folds a new tracing result into the smoothed score for
// (email, letter) and returns the updated value. The row is locked for the
// duration of the transaction so concurrent updates serialize.
func (r *ScoreRepository) UpdateTraceScore(ctx context.Context, email string, letter int, entry float64) (float64, error) {
	var updated float64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := userExists(tx, email); err != nil {
			return err
		}
		var row TraceScore
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "email = ? AND letter = ?", email, letter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			updated = nextTraceScore(0, entry)
			return tx.Create(&TraceScore{Email: email, Letter: letter, Score: updated}).Error
		}
		if err != nil {
			return err
		}
		updated = nextTraceScore(row.Score, entry)
		return tx.Model(&TraceScore{}).Where("id = ?", row.ID).Update("score", updated).Error
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func userExists(tx *gorm.DB, email string) error {
	var count int64
	if err := tx.Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

// nextTraceScore blends a new entry into the previous smoothed value.
func nextTraceScore(prev, entry float64) float64 {
	return traceAlpha*entry + (1-traceAlpha)*prev
}
