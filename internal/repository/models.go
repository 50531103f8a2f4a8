package repository

import "time"

// User is the account row recognition attempts are scored against. Accounts
// are created by the signup flow outside this service; the ledger only ever
// checks existence.
type User struct {
	Email     string    `gorm:"column:email;primaryKey;size:255"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// LetterScore holds the per-user, per-letter attempt counters. Rows are
// created implicitly on the first attempt and only ever mutated by delta
// increments, so correct can never exceed attempted.
type LetterScore struct {
	ID        uint   `gorm:"primaryKey"`
	Email     string `gorm:"column:email;size:255;uniqueIndex:idx_letter_scores_email_letter"`
	Letter    int    `gorm:"column:letter;uniqueIndex:idx_letter_scores_email_letter"`
	Attempted int64  `gorm:"column:attempted"`
	Correct   int64  `gorm:"column:correct"`
}

// TableName overrides the default table name.
func (LetterScore) TableName() string {
	return "letter_scores"
}

// RecognitionLog records one classified submission.
type RecognitionLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Email     string    `gorm:"column:email;size:255"`
	Letter    int       `gorm:"column:letter"`
	Predicted string    `gorm:"column:predicted;size:8"`
	Correct   bool      `gorm:"column:correct"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RecognitionLog) TableName() string {
	return "recognition_logs"
}

// GameScore keeps a user's best score for one of the practice games,
// keyed by the game's field name.
type GameScore struct {
	ID    uint    `gorm:"primaryKey"`
	Email string  `gorm:"column:email;size:255;uniqueIndex:idx_game_scores_email_field"`
	Field string  `gorm:"column:field;size:64;uniqueIndex:idx_game_scores_email_field"`
	Score float64 `gorm:"column:score"`
}

// TableName overrides the default table name.
func (GameScore) TableName() string {
	return "game_scores"
}

// TraceScore is the exponentially smoothed letter-tracing score.
type TraceScore struct {
	ID     uint    `gorm:"primaryKey"`
	Email  string  `gorm:"column:email;size:255;uniqueIndex:idx_trace_scores_email_letter"`
	Letter int     `gorm:"column:letter;uniqueIndex:idx_trace_scores_email_letter"`
	Score  float64 `gorm:"column:score"`
}

// TableName overrides the default table name.
func (TraceScore) TableName() string {
	return "trace_scores"
}
