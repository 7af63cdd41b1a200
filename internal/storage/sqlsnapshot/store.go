package sqlsnapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// InitMySQL opens a GORM connection against dsn.
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// snapshotRow is one persisted revision of an object's snapshot blob. Each
// Write inserts a new row rather than updating in place, so Read can always
// recover the most recent durable snapshot even if a later write fails
// partway through.
type snapshotRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	ObjectID  string `gorm:"column:object_id;size:191;uniqueIndex:idx_object_revision,priority:1"`
	Revision  uint64 `gorm:"column:revision;uniqueIndex:idx_object_revision,priority:2"`
	Blob      []byte `gorm:"column:blob"`
	CreatedAt time.Time
}

func (snapshotRow) TableName() string { return "sharedmap_snapshots" }

// AutoMigrate creates the snapshot table if it doesn't already exist.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&snapshotRow{})
}

// Store implements sharedmap.ObjectStorage against MySQL via GORM.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Write persists blob as the next revision of id. A duplicate (object_id,
// revision) pair is treated as already-durable, not an error (MySQL error
// 1062) — Snapshot can be called more than once at the same sequence
// number without the caller needing to care.
func (s *Store) Write(ctx context.Context, id string, blob []byte) error {
	revision, err := extractRevision(blob)
	if err != nil {
		return fmt.Errorf("sqlsnapshot: decode revision for %s: %w", id, err)
	}
	row := snapshotRow{ObjectID: id, Revision: revision, Blob: blob}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("sqlsnapshot: write %s rev %d: %w", id, revision, err)
	}
	return nil
}

// Read returns the blob of the most recent revision, or (nil, nil) if id
// has never been written — matching the core's "no blob → empty" contract.
func (s *Store) Read(ctx context.Context, id string) ([]byte, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Where("object_id = ?", id).
		Order("revision desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlsnapshot: read %s: %w", id, err)
	}
	return row.Blob, nil
}

func extractRevision(blob []byte) (uint64, error) {
	var wire struct {
		SequenceNumber uint64 `json:"sequenceNumber"`
	}
	if err := json.Unmarshal(blob, &wire); err != nil {
		return 0, err
	}
	return wire.SequenceNumber, nil
}
