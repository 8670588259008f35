package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/sshdash/internal/session"
)

// SessionRecord is one persisted session per scope. It holds the session
// identity only; the credential never reaches the database.
type SessionRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Scope       string    `gorm:"uniqueIndex;not null" json:"scope"`
	SessionID   string    `gorm:"not null;default:''" json:"session_id"`
	Connected   bool      `gorm:"default:false" json:"connected"`
	Host        string    `gorm:"not null;default:''" json:"host"`
	Port        int       `gorm:"default:22" json:"port"`
	Username    string    `gorm:"not null;default:''" json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SQLiteStore persists the session record with gorm. Records are keyed by
// scope so several terminals can share one database file.
//
// The connection config is kept for the life of the store only, sealed with
// a fernet key generated at open time, and is returned by Load while the
// row still names the session it was saved with. A new process sees the
// identity alone and reattaches by connecting to the same target.
type SQLiteStore struct {
	db    *gorm.DB
	scope string
	key   *fernet.Key

	mu        sync.Mutex
	sealed    []byte
	sealedFor string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path, scope string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return NewSQLiteStore(db, scope)
}

// NewSQLiteStore wraps an open database and migrates the schema.
func NewSQLiteStore(db *gorm.DB, scope string) (*SQLiteStore, error) {
	if scope == "" {
		scope = "default"
	}
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	// Databases written by older builds carried an encrypted credential column.
	if m := db.Migrator(); m.HasColumn(&SessionRecord{}, "credential") {
		log.Printf("[store] dropping legacy credential column")
		if err := m.DropColumn(&SessionRecord{}, "credential"); err != nil {
			return nil, fmt.Errorf("drop credential column: %w", err)
		}
	}
	return &SQLiteStore{db: db, scope: scope, key: &k}, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*session.Record, error) {
	var row SessionRecord
	err := s.db.WithContext(ctx).Where("scope = ?", s.scope).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}

	rec := &session.Record{
		SessionID: row.SessionID,
		Connected: row.Connected,
		Info: session.ConnectionInfo{
			Host:      row.Host,
			Port:      row.Port,
			Username:  row.Username,
			Timestamp: row.ConnectedAt,
		},
	}
	rec.Config = s.cachedConfig(row.SessionID)
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec session.Record) error {
	row := SessionRecord{
		Scope:       s.scope,
		SessionID:   rec.SessionID,
		Connected:   rec.Connected,
		Host:        rec.Info.Host,
		Port:        rec.Info.Port,
		Username:    rec.Info.Username,
		ConnectedAt: rec.Info.Timestamp,
	}
	if err := s.cacheConfig(rec.SessionID, rec.Config); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SessionRecord
		err := tx.Where("scope = ?", s.scope).First(&existing).Error
		switch {
		case err == nil:
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load session record: %w", err)
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save session record: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.sealed, s.sealedFor = nil, ""
	s.mu.Unlock()
	if err := s.db.WithContext(ctx).Where("scope = ?", s.scope).Delete(&SessionRecord{}).Error; err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) cacheConfig(sessionID string, cfg *session.ConnectionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == nil {
		s.sealed, s.sealedFor = nil, ""
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	tok, err := fernet.EncryptAndSign(raw, s.key)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	s.sealed, s.sealedFor = tok, sessionID
	return nil
}

func (s *SQLiteStore) cachedConfig(sessionID string) *session.ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed == nil || s.sealedFor != sessionID {
		return nil
	}
	msg := fernet.VerifyAndDecrypt(s.sealed, 0, []*fernet.Key{s.key})
	if msg == nil {
		log.Printf("[store] discarding cached credential for scope %s: invalid token", s.scope)
		return nil
	}
	var cfg session.ConnectionConfig
	if err := json.Unmarshal(msg, &cfg); err != nil {
		log.Printf("[store] discarding cached credential for scope %s: %v", s.scope, err)
		return nil
	}
	return &cfg
}
