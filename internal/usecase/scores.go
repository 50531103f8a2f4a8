package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Nithin1729S/Kannada-ABC/internal/logging"
	"github.com/Nithin1729S/Kannada-ABC/internal/repository"
)

// scoreCardTTL bounds staleness of the cached per-letter score card.
const scoreCardTTL = 30 * time.Second

// LetterScoreEntry is one row of a user's score card.
type LetterScoreEntry struct {
	Letter    int     `json:"letter"`
	Attempted int64   `json:"attempted"`
	Correct   int64   `json:"correct"`
	Accuracy  float64 `json:"accuracy"`
}

// ScoreCard returns attempt counters for every letter of the alphabet,
// including letters the user has never attempted.
func (uc *RecognitionUseCase) ScoreCard(ctx context.Context, email string) ([]LetterScoreEntry, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}

	cacheKey := fmt.Sprintf("scores:%s", email)
	if cached, err := uc.cache.Get(ctx, cacheKey); err == nil {
		var entries []LetterScoreEntry
		if err := json.Unmarshal([]byte(cached), &entries); err == nil {
			return entries, nil
		}
		logging.WithOperation(uc.logger, "usecase.score_card", "").Warn("failed to decode cached score card")
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.score_card", "").Warn("failed to read score card cache", zap.Error(err))
	}

	rows, err := uc.store.LetterScores(ctx, email)
	if err != nil {
		return nil, logging.NewOperationError("usecase.score_card", "", err)
	}

	byLetter := make(map[int]repository.LetterScore, len(rows))
	for _, row := range rows {
		byLetter[row.Letter] = row
	}

	entries := make([]LetterScoreEntry, 0, len(uc.letters))
	for _, letter := range uc.letters {
		entry := LetterScoreEntry{Letter: letter}
		if row, ok := byLetter[letter]; ok {
			entry.Attempted = row.Attempted
			entry.Correct = row.Correct
			if row.Attempted > 0 {
				entry.Accuracy = float64(row.Correct) / float64(row.Attempted)
			}
		}
		entries = append(entries, entry)
	}

	if serialized, err := json.Marshal(entries); err == nil {
		if err := uc.cache.Set(ctx, cacheKey, string(serialized), scoreCardTTL); err != nil {
			logging.WithOperation(uc.logger, "usecase.score_card", "").Warn("failed to cache score card", zap.Error(err))
		}
	}

	return entries, nil
}

// NextLetter picks the letter the user should practice next: the one with
// the lowest accuracy, counting never-attempted letters as zero. Ties go to
// the lowest letter number; the optional ignore letter is skipped so the
// client can avoid repeating the letter just shown.
func (uc *RecognitionUseCase) NextLetter(ctx context.Context, email string, ignore int) (int, error) {
	entries, err := uc.ScoreCard(ctx, email)
	if err != nil {
		return 0, err
	}

	best := 0
	bestAccuracy := 0.0
	for _, entry := range entries {
		if entry.Letter == ignore {
			continue
		}
		if best == 0 || entry.Accuracy < bestAccuracy {
			best = entry.Letter
			bestAccuracy = entry.Accuracy
		}
	}
	if best == 0 {
		// Only reachable when ignore excludes the whole alphabet.
		return 0, fmt.Errorf("%w: no letter available", ErrValidation)
	}
	return best, nil
}

// BestScore returns the stored best score for one of the practice games.
func (uc *RecognitionUseCase) BestScore(ctx context.Context, email, field string) (float64, error) {
	if email == "" {
		return 0, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if field == "" {
		return 0, fmt.Errorf("%w: field is required", ErrValidation)
	}
	score, err := uc.store.GameScore(ctx, email, field)
	if err != nil {
		return 0, logging.NewOperationError("usecase.best_score", "", err)
	}
	return score, nil
}

// SetBestScore overwrites the stored best score for one of the practice
// games. The client decides whether the new score is an improvement.
func (uc *RecognitionUseCase) SetBestScore(ctx context.Context, email, field string, score float64) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if field == "" {
		return fmt.Errorf("%w: field is required", ErrValidation)
	}
	if err := uc.store.SetGameScore(ctx, email, field, score); err != nil {
		return logging.NewOperationError("usecase.set_best_score", "", err)
	}
	return nil
}

// RecordTraceScore folds a new letter-tracing result into the user's
// smoothed score for that letter and returns the updated value.
func (uc *RecognitionUseCase) RecordTraceScore(ctx context.Context, email string, letter int, entry float64) (float64, error) {
	if email == "" {
		return 0, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if _, ok := uc.labelSet[fmt.Sprint(letter)]; !ok {
		return 0, fmt.Errorf("%w: letter %d is not in the alphabet", ErrValidation, letter)
	}
	updated, err := uc.store.UpdateTraceScore(ctx, email, letter, entry)
	if err != nil {
		return 0, logging.NewOperationError("usecase.record_trace_score", "", err)
	}
	return updated, nil
}
