package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/keyword-insight/models"
)

const dayLayout = "2006-01-02"

// Database records search runs and per-key quota spend.
// It never stores video data or raw API keys.
type Database struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewDatabase creates a new SQLite database connection
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:  db,
		log: log,
	}

	if err := database.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	log.WithField("path", dbPath).Debug("Run ledger ready")
	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.db.Close()
}

// initTables creates the necessary tables if they don't exist
func (d *Database) initTables() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		keyword TEXT NOT NULL,
		video_count INTEGER NOT NULL,
		pages INTEGER NOT NULL,
		quota_units INTEGER NOT NULL,
		market_size_level TEXT NOT NULL,
		difficulty_score INTEGER NOT NULL,
		difficulty_level TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

	CREATE TABLE IF NOT EXISTS quota_usage (
		key_hash TEXT NOT NULL,
		day TEXT NOT NULL,
		units INTEGER NOT NULL,
		PRIMARY KEY (key_hash, day)
	);
	`

	_, err := d.db.Exec(query)
	return err
}

// SaveRun inserts a run and sets its ID. A zero CreatedAt is set to now.
func (d *Database) SaveRun(run *models.Run) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO runs (
		keyword, video_count, pages, quota_units, market_size_level,
		difficulty_score, difficulty_level, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := d.db.Exec(
		query,
		run.Keyword, run.VideoCount, run.Pages, run.QuotaUnits, string(run.MarketSizeLevel),
		run.DifficultyScore, string(run.DifficultyLevel), run.Status,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}
	run.ID = id

	return nil
}

// GetRecentRuns returns the latest runs, newest first
func (d *Database) GetRecentRuns(limit int) ([]models.Run, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT id, keyword, video_count, pages, quota_units, market_size_level,
		difficulty_score, difficulty_level, status, created_at
	FROM runs
	ORDER BY created_at DESC, id DESC
	LIMIT ?
	`

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.Run, 0, limit)
	for rows.Next() {
		var run models.Run
		var marketSize, difficulty, createdAt string

		err := rows.Scan(
			&run.ID, &run.Keyword, &run.VideoCount, &run.Pages, &run.QuotaUnits, &marketSize,
			&run.DifficultyScore, &difficulty, &run.Status, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.MarketSizeLevel = models.MarketSize(marketSize)
		run.DifficultyLevel = models.DifficultyLevel(difficulty)
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return runs, nil
}

// GetTotalRuns returns the number of recorded runs
func (d *Database) GetTotalRuns() (int, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get total runs: %w", err)
	}

	return count, nil
}

// AddQuotaUsage adds units to a key's counter for the calendar day of day
func (d *Database) AddQuotaUsage(keyHash string, day time.Time, units int) error {
	if units <= 0 {
		return nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `
	INSERT INTO quota_usage (key_hash, day, units) VALUES (?, ?, ?)
	ON CONFLICT (key_hash, day) DO UPDATE SET units = units + excluded.units
	`

	if _, err := d.db.Exec(query, keyHash, day.Format(dayLayout), units); err != nil {
		return fmt.Errorf("failed to record quota usage: %w", err)
	}

	return nil
}

// GetQuotaUsage returns the units recorded for a key on the calendar day of day
func (d *Database) GetQuotaUsage(keyHash string, day time.Time) (int, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var units int
	err := d.db.QueryRow(
		"SELECT units FROM quota_usage WHERE key_hash = ? AND day = ?",
		keyHash, day.Format(dayLayout),
	).Scan(&units)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get quota usage: %w", err)
	}

	return units, nil
}
