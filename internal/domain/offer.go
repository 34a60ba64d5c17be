package domain

import "time"

// Offer is one scraped flash-sale event: the wine on the front page at a
// point in time. Offers are append-only; the recording timestamp is unique
// (one offer per run).
type Offer struct {
	ID        int64     `db:"id"`
	Timestamp time.Time `db:"timestamp"`
	Name      string    `db:"wine_name"`
	Price     float64   `db:"price"`
}

// ScoreRecord is one user's oracle score for one offer. At most one record
// exists per (user, offer, timestamp); re-scoring the same key replaces the
// earlier record.
type ScoreRecord struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	OfferID   int64     `db:"wine_id"`
	OfferName string    `db:"wine_name"`
	Score     int       `db:"score"`
	Timestamp time.Time `db:"timestamp"`
}

// MinScore and MaxScore bound every persisted score. Writes outside the
// range are rejected, never clamped.
const (
	MinScore = 0
	MaxScore = 100
)

// ValidScore reports whether s is a persistable score.
func ValidScore(s int) bool {
	return s >= MinScore && s <= MaxScore
}
