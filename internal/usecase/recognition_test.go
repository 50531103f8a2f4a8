package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Nithin1729S/Kannada-ABC/internal/classifier"
	"github.com/Nithin1729S/Kannada-ABC/internal/imaging"
	"github.com/Nithin1729S/Kannada-ABC/internal/repository"
)

type stubStore struct {
	mu         sync.Mutex
	attempts   map[string]int
	corrects   map[string]int
	attemptErr error
	correctErr error

	savedLogs []*repository.RecognitionLog
	saveErr   error
	findLog   *repository.RecognitionLog
	findErr   error
	findCalls int

	letterRows  []repository.LetterScore
	letterErr   error
	letterCalls int

	gameScore float64
	gameErr   error
	setErr    error
	traceOut  float64
	traceErr  error
}

func newStubStore() *stubStore {
	return &stubStore{
		attempts: make(map[string]int),
		corrects: make(map[string]int),
	}
}

func scoreKey(email string, letter int) string {
	return fmt.Sprintf("%s:%d", email, letter)
}

func (s *stubStore) IncrementAttempt(ctx context.Context, email string, letter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attemptErr != nil {
		return s.attemptErr
	}
	s.attempts[scoreKey(email, letter)]++
	return nil
}

func (s *stubStore) IncrementCorrect(ctx context.Context, email string, letter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.correctErr != nil {
		return s.correctErr
	}
	s.corrects[scoreKey(email, letter)]++
	return nil
}

func (s *stubStore) LetterScores(ctx context.Context, email string) ([]repository.LetterScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letterCalls++
	if s.letterErr != nil {
		return nil, s.letterErr
	}
	return s.letterRows, nil
}

func (s *stubStore) SaveRecognitionLog(ctx context.Context, log *repository.RecognitionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.savedLogs = append(s.savedLogs, log)
	return nil
}

func (s *stubStore) FindRecognitionByRequestID(ctx context.Context, requestID string) (*repository.RecognitionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrLogNotFound
}

func (s *stubStore) GameScore(ctx context.Context, email, field string) (float64, error) {
	if s.gameErr != nil {
		return 0, s.gameErr
	}
	return s.gameScore, nil
}

func (s *stubStore) SetGameScore(ctx context.Context, email, field string, score float64) error {
	return s.setErr
}

func (s *stubStore) UpdateTraceScore(ctx context.Context, email string, letter int, entry float64) (float64, error) {
	if s.traceErr != nil {
		return 0, s.traceErr
	}
	return s.traceOut, nil
}

type stubModel struct {
	mu     sync.Mutex
	result *classifier.Prediction
	err    error
	calls  int
}

func (s *stubModel) Classify(input []float32) (*classifier.Prediction, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubModel) Labels() []string {
	labels := make([]string, 0, 49)
	for i := 1; i <= 49; i++ {
		labels = append(labels, strconv.Itoa(i))
	}
	return labels
}

func (s *stubModel) Ready() bool { return true }

func (s *stubModel) classifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	if len(s.getValues) > 0 {
		value := s.getValues[0]
		s.getValues = s.getValues[1:]
		return value, nil
	}
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return "", err
	}
	return "", redis.Nil
}

func newTestUseCase(store *stubStore, cache *stubCache, model *stubModel) *RecognitionUseCase {
	uc := NewRecognitionUseCase(store, cache, model, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func testImage(t *testing.T) string {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, 28, 28))
	for y := 0; y < 28; y++ {
		for x := 0; x < 28; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x * y) % 256)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func prediction(label string) *classifier.Prediction {
	return &classifier.Prediction{Label: label, Confidence: 0.9}
}

func TestRecognizeCorrectPrediction(t *testing.T) {
	store := newStubStore()
	cache := &stubCache{}
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, cache, model)

	result, err := uc.Recognize(context.Background(), RecognitionRequest{
		Image:  testImage(t),
		Letter: 16,
		Email:  "a@x.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Prediction != "16" {
		t.Fatalf("expected prediction 16, got %s", result.Prediction)
	}
	if !result.Correct {
		t.Fatal("expected result to be correct")
	}
	if got := store.attempts[scoreKey("a@x.com", 16)]; got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
	if got := store.corrects[scoreKey("a@x.com", 16)]; got != 1 {
		t.Fatalf("expected 1 correct, got %d", got)
	}
	if len(store.savedLogs) != 1 || !store.savedLogs[0].Correct {
		t.Fatalf("expected one correct log entry, got %+v", store.savedLogs)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("expected one cache write, got %d", len(cache.setKeys))
	}
}

func TestRecognizeWrongExpectationStillReportsPrediction(t *testing.T) {
	store := newStubStore()
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, &stubCache{}, model)

	result, err := uc.Recognize(context.Background(), RecognitionRequest{
		Image:  testImage(t),
		Letter: 17,
		Email:  "a@x.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Prediction != "16" {
		t.Fatalf("expected the classifier's output 16, got %s", result.Prediction)
	}
	if result.Correct {
		t.Fatal("expected result to be incorrect")
	}
	if got := store.attempts[scoreKey("a@x.com", 17)]; got != 1 {
		t.Fatalf("expected 1 attempt for letter 17, got %d", got)
	}
	if got := store.corrects[scoreKey("a@x.com", 17)]; got != 0 {
		t.Fatalf("expected no correct increment, got %d", got)
	}
}

func TestRecognizeUnknownUserFailsAfterInference(t *testing.T) {
	store := newStubStore()
	store.attemptErr = repository.ErrUserNotFound
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, &stubCache{}, model)

	_, err := uc.Recognize(context.Background(), RecognitionRequest{
		Image:  testImage(t),
		Letter: 16,
		Email:  "nobody@x.com",
	})
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	// The model runs before the user-existence check; the user-state
	// update is still the requirement for success.
	if model.classifyCalls() != 1 {
		t.Fatalf("expected classifier to run once, ran %d times", model.classifyCalls())
	}
	if len(store.corrects) != 0 {
		t.Fatalf("expected no correct increments, got %v", store.corrects)
	}
	if len(store.savedLogs) != 0 {
		t.Fatalf("expected no log entries, got %d", len(store.savedLogs))
	}
}

func TestRecognizeInvalidImageShortCircuits(t *testing.T) {
	store := newStubStore()
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, &stubCache{}, model)

	for _, payload := range []string{"!!!not-base64!!!", base64.StdEncoding.EncodeToString([]byte("junk")), "data:image/png;base64,"} {
		_, err := uc.Recognize(context.Background(), RecognitionRequest{
			Image:  payload,
			Letter: 16,
			Email:  "a@x.com",
		})
		if !errors.Is(err, imaging.ErrInvalidImage) {
			t.Fatalf("expected ErrInvalidImage for %q, got %v", payload, err)
		}
	}

	if model.classifyCalls() != 0 {
		t.Fatalf("expected classifier untouched, ran %d times", model.classifyCalls())
	}
	if len(store.attempts) != 0 {
		t.Fatalf("expected ledger untouched, got %v", store.attempts)
	}
}

func TestRecognizeValidation(t *testing.T) {
	store := newStubStore()
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, &stubCache{}, model)

	cases := map[string]RecognitionRequest{
		"missing email":      {Image: "payload", Letter: 16},
		"missing image":      {Letter: 16, Email: "a@x.com"},
		"letter below range": {Image: "payload", Letter: 0, Email: "a@x.com"},
		"letter above range": {Image: "payload", Letter: 50, Email: "a@x.com"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := uc.Recognize(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if model.classifyCalls() != 0 {
		t.Fatalf("expected classifier untouched, ran %d times", model.classifyCalls())
	}
}

func TestRecognizeInferenceFailure(t *testing.T) {
	store := newStubStore()
	model := &stubModel{err: fmt.Errorf("%w: shape mismatch", classifier.ErrInference)}
	uc := newTestUseCase(store, &stubCache{}, model)

	_, err := uc.Recognize(context.Background(), RecognitionRequest{
		Image:  testImage(t),
		Letter: 16,
		Email:  "a@x.com",
	})
	if !errors.Is(err, classifier.ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if len(store.attempts) != 0 {
		t.Fatalf("expected ledger untouched, got %v", store.attempts)
	}
}

func TestRecognizeSurvivesLogAndCacheFailures(t *testing.T) {
	store := newStubStore()
	store.saveErr = errors.New("insert failed")
	cache := &stubCache{setErrs: []error{errors.New("redis down")}}
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, cache, model)

	result, err := uc.Recognize(context.Background(), RecognitionRequest{
		Image:  testImage(t),
		Letter: 16,
		Email:  "a@x.com",
	})
	if err != nil {
		t.Fatalf("expected success despite log/cache failures, got %v", err)
	}
	if result.Prediction != "16" {
		t.Fatalf("unexpected prediction %s", result.Prediction)
	}
	if got := store.attempts[scoreKey("a@x.com", 16)]; got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestRecognizeConcurrentRequests(t *testing.T) {
	store := newStubStore()
	model := &stubModel{result: prediction("16")}
	uc := newTestUseCase(store, &stubCache{}, model)
	img := testImage(t)

	const concurrency = 100
	var wg sync.WaitGroup
	wg.Add(concurrency)
	errCh := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			_, err := uc.Recognize(context.Background(), RecognitionRequest{
				Image:  img,
				Letter: 16,
				Email:  "a@x.com",
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	attempted := store.attempts[scoreKey("a@x.com", 16)]
	correct := store.corrects[scoreKey("a@x.com", 16)]
	if attempted != concurrency {
		t.Fatalf("expected exactly %d attempts, got %d", concurrency, attempted)
	}
	if correct > attempted {
		t.Fatalf("correct %d exceeds attempted %d", correct, attempted)
	}
	if correct != concurrency {
		t.Fatalf("expected %d correct increments, got %d", concurrency, correct)
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	store := newStubStore()
	cached, err := json.Marshal(cachedRecognition{
		RequestID: "req-1",
		Email:     "a@x.com",
		Letter:    16,
		Predicted: "16",
		Correct:   true,
	})
	if err != nil {
		t.Fatalf("failed to marshal fixture: %v", err)
	}
	cache := &stubCache{getValues: []string{string(cached)}}
	uc := newTestUseCase(store, cache, &stubModel{})

	entry, err := uc.GetResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Predicted != "16" || !entry.Correct {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if store.findCalls != 0 {
		t.Fatalf("expected no store reads, got %d", store.findCalls)
	}
}

func TestGetResultFallsBackToStore(t *testing.T) {
	store := newStubStore()
	store.findLog = &repository.RecognitionLog{RequestID: "req-2", Predicted: "7"}
	uc := newTestUseCase(store, &stubCache{}, &stubModel{})

	entry, err := uc.GetResult(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Predicted != "7" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if store.findCalls != 1 {
		t.Fatalf("expected one store read, got %d", store.findCalls)
	}
}

func TestGetResultUnknownRequest(t *testing.T) {
	uc := newTestUseCase(newStubStore(), &stubCache{}, &stubModel{})

	if _, err := uc.GetResult(context.Background(), "missing"); !errors.Is(err, repository.ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}
