package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"fieldops/core/models"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type queuedActionRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Action    string         `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"type:json"`
	Status    string         `gorm:"not null;default:pending"`
	Attempts  int            `gorm:"not null;default:0"`
	LastError string
	CreatedAt time.Time
}

func (queuedActionRow) TableName() string { return "queued_actions" }

func (r queuedActionRow) model() models.QueuedAction {
	return models.QueuedAction{
		ID:        r.ID,
		Action:    r.Action,
		Payload:   json.RawMessage(r.Payload),
		Status:    models.QueuedActionStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
	}
}

// SQLiteStore keeps the outbox in an on-device SQLite file so it survives restarts
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the outbox database at path. ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("outbox handle: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&queuedActionRow{}); err != nil {
		return nil, fmt.Errorf("migrate outbox: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, action string, payload json.RawMessage) (models.QueuedAction, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	row := queuedActionRow{
		Action:    action,
		Payload:   datatypes.JSON(payload),
		Status:    string(models.QueuedPending),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.QueuedAction{}, fmt.Errorf("enqueue %s: %w", action, err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]models.QueuedAction, error) {
	var rows []queuedActionRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	out := make([]models.QueuedAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (models.QueuedAction, error) {
	var row queuedActionRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.QueuedAction{}, ErrNotFound
	}
	if err != nil {
		return models.QueuedAction{}, fmt.Errorf("get queued action %d: %w", id, err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&queuedActionRow{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete queued action %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id int64, message string, maxAttempts int) (models.QueuedAction, error) {
	var out models.QueuedAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row queuedActionRow
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		row.Attempts++
		row.LastError = message
		row.Status = string(failedStatus(row.Attempts, maxAttempts))
		if err := tx.Model(&queuedActionRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"attempts":   row.Attempts,
			"last_error": row.LastError,
			"status":     row.Status,
		}).Error; err != nil {
			return err
		}
		out = row.model()
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.QueuedAction{}, ErrNotFound
	}
	if err != nil {
		return models.QueuedAction{}, fmt.Errorf("record failure %d: %w", id, err)
	}
	return out, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&queuedActionRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":   0,
		"last_error": "",
		"status":     string(models.QueuedPending),
	})
	if res.Error != nil {
		return fmt.Errorf("reset queued action %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
