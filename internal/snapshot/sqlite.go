package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Entry is the persisted snapshot row.
type Entry struct {
	Key       string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Value     string    `gorm:"type:TEXT NOT NULL"`
	UpdatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Entry) TableName() string { return "snapshots" }

// SQLite is a Store backed by an embedded SQLite database, for headless and
// desktop embeddings of the widget that outlive a single process.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the snapshot database and applies PRAGMAs.
func OpenSQLite(path string) (*SQLite, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Get returns the stored value or ErrNotFound.
func (s *SQLite) Get(key string) (string, error) {
	var e Entry
	if err := s.db.Where("key = ?", key).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return e.Value, nil
}

// Set upserts value under key.
func (s *SQLite) Set(key, value string) error {
	return s.db.Save(&Entry{Key: key, Value: value}).Error
}

// Remove deletes key. Removing an absent key is not an error.
func (s *SQLite) Remove(key string) error {
	return s.db.Where("key = ?", key).Delete(&Entry{}).Error
}
