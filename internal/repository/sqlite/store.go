// Package sqlite implements the offer and score store on a single SQLite
// file. The file lives in the data directory and rides along in the S3
// sync bracket, so runs on ephemeral hosts keep their history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cellarwatch/lastbottle-monitor/internal/domain"
)

// ErrScoreOutOfRange is returned when a score write falls outside [0,100].
// Scores are rejected, never clamped.
var ErrScoreOutOfRange = errors.New("score out of range")

// ErrOfferNotFound is returned when an offer id has no row.
var ErrOfferNotFound = errors.New("offer not found")

// Store persists offers and per-user scores.
//
// The store assumes single-writer access within one run. The internal
// mutex serializes writes so parallel per-user scoring cannot interleave
// statements on the uniqueness keys.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewStore creates or opens the wine database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

// NewStoreWithDB wraps an existing database handle. Used by tests that need
// to inject failures below the store.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	-- One row per recorded flash-sale offer. The timestamp is unique:
	-- a run records at most one offer.
	CREATE TABLE IF NOT EXISTS wines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL UNIQUE,
		wine_name TEXT NOT NULL,
		price REAL NOT NULL
	);

	-- One row per (user, offer, timestamp). Aligned with the offer
	-- timestamp so every user scores the same offer at the same instant;
	-- re-scoring the same key replaces the row.
	CREATE TABLE IF NOT EXISTS user_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		wine_id INTEGER NOT NULL,
		wine_name TEXT NOT NULL,
		score INTEGER NOT NULL CHECK(score >= 0 AND score <= 100),
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (wine_id) REFERENCES wines(id),
		UNIQUE(user_id, wine_id, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_wines_name_time ON wines(wine_name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_user_scores_user ON user_scores(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddOffer records a new offer and returns it with its assigned id.
func (s *Store) AddOffer(ctx context.Context, name string, price float64, ts time.Time) (*domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts = ts.UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO wines (timestamp, wine_name, price)
		VALUES (?, ?, ?)
	`, ts, name, price)
	if err != nil {
		return nil, fmt.Errorf("inserting offer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading offer id: %w", err)
	}
	return &domain.Offer{ID: id, Timestamp: ts, Name: name, Price: price}, nil
}

// OfferSeenSince reports whether an offer with this exact name was recorded
// at or after the cutoff. This is the duplicate-offer guard: the site keeps
// a sale up for hours, and re-recording it would spam every user.
func (s *Store) OfferSeenSince(ctx context.Context, name string, cutoff time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM wines WHERE wine_name = ? AND timestamp >= ? LIMIT 1
	`, name, cutoff.UTC()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking duplicate offer: %w", err)
	}
	return true, nil
}

// GetOffer fetches one offer by id.
func (s *Store) GetOffer(ctx context.Context, id int64) (*domain.Offer, error) {
	o := &domain.Offer{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, wine_name, price FROM wines WHERE id = ?
	`, id).Scan(&o.ID, &o.Timestamp, &o.Name, &o.Price)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

// LatestOffer fetches the most recently recorded offer, or nil when the
// store is empty.
func (s *Store) LatestOffer(ctx context.Context) (*domain.Offer, error) {
	o := &domain.Offer{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, wine_name, price FROM wines
		ORDER BY timestamp DESC LIMIT 1
	`).Scan(&o.ID, &o.Timestamp, &o.Name, &o.Price)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest offer: %w", err)
	}
	return o, nil
}

// OffersBetween returns offers recorded in [from, to], newest first.
func (s *Store) OffersBetween(ctx context.Context, from, to time.Time) ([]domain.Offer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, wine_name, price FROM wines
		WHERE timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("offers between: %w", err)
	}
	defer rows.Close()

	var offers []domain.Offer
	for rows.Next() {
		var o domain.Offer
		if err := rows.Scan(&o.ID, &o.Timestamp, &o.Name, &o.Price); err != nil {
			return nil, fmt.Errorf("scanning offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// UpsertScore records a user's score for an offer. A later write for the
// same (user, offer, timestamp) replaces the earlier row. Scores outside
// [0,100] are rejected before any SQL runs.
func (s *Store) UpsertScore(ctx context.Context, userID string, offerID int64, score int, ts time.Time) (*domain.ScoreRecord, error) {
	if !domain.ValidScore(score) {
		return nil, fmt.Errorf("%w: %d", ErrScoreOutOfRange, score)
	}

	offer, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts = ts.UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO user_scores (user_id, wine_id, wine_name, score, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, userID, offerID, offer.Name, score, ts)
	if err != nil {
		return nil, fmt.Errorf("upserting score: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading score id: %w", err)
	}
	return &domain.ScoreRecord{
		ID:        id,
		UserID:    userID,
		OfferID:   offerID,
		OfferName: offer.Name,
		Score:     score,
		Timestamp: ts,
	}, nil
}

// ScoresForOffer returns every user's score for one offer, newest first.
func (s *Store) ScoresForOffer(ctx context.Context, offerID int64) ([]domain.ScoreRecord, error) {
	return s.queryScores(ctx, `
		SELECT id, user_id, wine_id, wine_name, score, timestamp FROM user_scores
		WHERE wine_id = ? ORDER BY timestamp DESC
	`, offerID)
}

// ScoresForUser returns one user's full score history, newest first.
func (s *Store) ScoresForUser(ctx context.Context, userID string) ([]domain.ScoreRecord, error) {
	return s.queryScores(ctx, `
		SELECT id, user_id, wine_id, wine_name, score, timestamp FROM user_scores
		WHERE user_id = ? ORDER BY timestamp DESC
	`, userID)
}

// AverageScore returns the mean score for an offer across users. The bool
// is false when nobody has scored it.
func (s *Store) AverageScore(ctx context.Context, offerID int64) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(score) FROM user_scores WHERE wine_id = ?
	`, offerID).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("average score: %w", err)
	}
	return avg.Float64, avg.Valid, nil
}

func (s *Store) queryScores(ctx context.Context, query string, args ...interface{}) ([]domain.ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}
	defer rows.Close()

	var records []domain.ScoreRecord
	for rows.Next() {
		var r domain.ScoreRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.OfferID, &r.OfferName, &r.Score, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
