package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Nithin1729S/Kannada-ABC/internal/classifier"
	"github.com/Nithin1729S/Kannada-ABC/internal/imaging"
	"github.com/Nithin1729S/Kannada-ABC/internal/logging"
	"github.com/Nithin1729S/Kannada-ABC/internal/repository"
)

// ErrValidation marks requests that are malformed before any work happens.
var ErrValidation = errors.New("invalid request")

// Classifier is the model surface the recognition flow needs.
type Classifier interface {
	Classify(input []float32) (*classifier.Prediction, error)
	Labels() []string
	Ready() bool
}

// ScoreStore defines the persistence operations needed by the use case.
type ScoreStore interface {
	IncrementAttempt(ctx context.Context, email string, letter int) error
	IncrementCorrect(ctx context.Context, email string, letter int) error
	LetterScores(ctx context.Context, email string) ([]repository.LetterScore, error)
	SaveRecognitionLog(ctx context.Context, log *repository.RecognitionLog) error
	FindRecognitionByRequestID(ctx context.Context, requestID string) (*repository.RecognitionLog, error)
	GameScore(ctx context.Context, email, field string) (float64, error)
	SetGameScore(ctx context.Context, email, field string, score float64) error
	UpdateTraceScore(ctx context.Context, email string, letter int, entry float64) (float64, error)
}

// RecognitionRequest is one scored drawing submission. Field names follow
// the payload the canvas client already sends.
type RecognitionRequest struct {
	Image  string `json:"image"`
	Letter int    `json:"letterdata"`
	Email  string `json:"email"`
}

// RecognitionResult is the outcome returned to the caller.
type RecognitionResult struct {
	RequestID  string
	Prediction string
	Correct    bool
}

// RecognitionUseCase composes the linear request path: normalize the image,
// classify it, compare against the expected letter, and apply the score
// deltas. The classifier is shared read-only across requests; the store is
// the only shared mutable resource and handles its own atomicity.
type RecognitionUseCase struct {
	store          ScoreStore
	cache          Cache
	model          Classifier
	logger         *zap.Logger
	normalize      func(string) ([]float32, error)
	labelSet       map[string]struct{}
	letters        []int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedRecognition struct {
	RequestID string    `json:"request_id"`
	Email     string    `json:"email"`
	Letter    int       `json:"letter"`
	Predicted string    `json:"predicted"`
	Correct   bool      `json:"correct"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecognitionUseCase constructs a new use case instance. The label set
// is frozen here for the process lifetime.
func NewRecognitionUseCase(store ScoreStore, cache Cache, model Classifier, logger *zap.Logger) *RecognitionUseCase {
	labels := model.Labels()
	labelSet := make(map[string]struct{}, len(labels))
	letters := make([]int, 0, len(labels))
	for _, label := range labels {
		labelSet[label] = struct{}{}
		if n, err := strconv.Atoi(label); err == nil {
			letters = append(letters, n)
		}
	}
	sort.Ints(letters)

	return &RecognitionUseCase{
		store:          store,
		cache:          cache,
		model:          model,
		logger:         logger.Named("recognition_usecase"),
		normalize:      imaging.Normalize,
		labelSet:       labelSet,
		letters:        letters,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Ready reports whether the model is loaded and serving.
func (uc *RecognitionUseCase) Ready() bool {
	return uc.model.Ready()
}

// Recognize runs the full pipeline for one submission. Resubmitting the
// same image increments the attempt counter again: every submission is a
// new practice attempt.
func (uc *RecognitionUseCase) Recognize(ctx context.Context, req RecognitionRequest) (*RecognitionResult, error) {
	if err := uc.validateRecognition(req); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.recognize", requestID)

	input, err := uc.normalize(req.Image)
	if err != nil {
		opLogger.Warn("image normalization failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.normalize_image", requestID, err)
	}

	prediction, err := uc.model.Classify(input)
	if err != nil {
		opLogger.Error("classification failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.classify", requestID, err)
	}

	correct := prediction.Label == strconv.Itoa(req.Letter)

	// The attempt update happens after inference on purpose: an unknown
	// user fails the whole request even though the model already ran.
	if err := uc.store.IncrementAttempt(ctx, req.Email, req.Letter); err != nil {
		opLogger.Warn("attempt increment failed", zap.Error(err))
		return nil, logging.NewOperationError("usecase.increment_attempt", requestID, err)
	}
	if correct {
		if err := uc.store.IncrementCorrect(ctx, req.Email, req.Letter); err != nil {
			opLogger.Error("correct increment failed", zap.Error(err))
			return nil, logging.NewOperationError("usecase.increment_correct", requestID, err)
		}
	}

	entry := &repository.RecognitionLog{
		RequestID: requestID,
		Email:     req.Email,
		Letter:    req.Letter,
		Predicted: prediction.Label,
		Correct:   correct,
		CreatedAt: time.Now().UTC(),
	}
	// The score deltas are already committed; a missing log row or cache
	// entry does not fail the request.
	if err := uc.store.SaveRecognitionLog(ctx, entry); err != nil {
		opLogger.Warn("failed to persist recognition log", zap.Error(err))
	}
	uc.cacheOutcome(ctx, requestID, entry, opLogger)

	return &RecognitionResult{
		RequestID:  requestID,
		Prediction: prediction.Label,
		Correct:    correct,
	}, nil
}

// GetResult retrieves a past recognition outcome, cache first.
func (uc *RecognitionUseCase) GetResult(ctx context.Context, requestID string) (*repository.RecognitionLog, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrValidation)
	}

	cacheKey := recognitionCacheKey(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.recognition", cacheKey); err == nil {
		var payload cachedRecognition
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.RecognitionLog{
				RequestID: payload.RequestID,
				Email:     payload.Email,
				Letter:    payload.Letter,
				Predicted: payload.Predicted,
				Correct:   payload.Correct,
				CreatedAt: payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.store.FindRecognitionByRequestID(ctx, requestID)
}

func (uc *RecognitionUseCase) validateRecognition(req RecognitionRequest) error {
	if req.Email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if req.Image == "" {
		return fmt.Errorf("%w: image is required", ErrValidation)
	}
	if _, ok := uc.labelSet[strconv.Itoa(req.Letter)]; !ok {
		return fmt.Errorf("%w: letter %d is not in the alphabet", ErrValidation, req.Letter)
	}
	return nil
}

func (uc *RecognitionUseCase) cacheOutcome(ctx context.Context, requestID string, entry *repository.RecognitionLog, opLogger *zap.Logger) {
	cached := cachedRecognition{
		RequestID: entry.RequestID,
		Email:     entry.Email,
		Letter:    entry.Letter,
		Predicted: entry.Predicted,
		Correct:   entry.Correct,
		CreatedAt: entry.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Warn("failed to serialize recognition outcome", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.recognition", func() error {
		return uc.cache.Set(ctx, recognitionCacheKey(requestID), string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Warn("failed to cache recognition outcome", zap.Error(err))
	}
}

func recognitionCacheKey(requestID string) string {
	return fmt.Sprintf("recognition:%s", requestID)
}

func (uc *RecognitionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *RecognitionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, redis.Nil) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
