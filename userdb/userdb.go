package userdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	oauth "github.com/haileyok/atproto-session-broker"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserRecord is the durable record of an account that has logged in at least once. It outlives
// sessions.
type UserRecord struct {
	ID           uint   `gorm:"primarykey"`
	Did          string `gorm:"uniqueIndex"`
	Handle       string
	DisplayName  string
	AvatarUrl    string
	PdsUrl       string
	LastSyncedAt time.Time
	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DB struct {
	db *gorm.DB
}

var _ oauth.UserRecorder = (*DB)(nil)

// Open connects to sqlite or postgres and migrates the schema.
func Open(driver, dsn string, logger *slog.Logger) (*DB, error) {
	var dial gorm.Dialector
	openConns := 20

	switch driver {
	case "sqlite":
		dial = sqlite.Open(dsn)
		openConns = 1
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 slogGorm.New(slogGorm.WithHandler(logger.Handler())),
	})
	if err != nil {
		return nil, err
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxOpenConns(openConns)
	sqldb.SetConnMaxIdleTime(time.Hour)

	if err := db.AutoMigrate(&UserRecord{}); err != nil {
		return nil, fmt.Errorf("migrating user records: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	sqldb, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// UpsertUser inserts or refreshes the profile fields of the account, keyed by DID.
func (d *DB) UpsertUser(ctx context.Context, u oauth.UserUpsert) error {
	rec := &UserRecord{
		Did:          u.Did,
		Handle:       u.Handle,
		DisplayName:  u.DisplayName,
		AvatarUrl:    u.AvatarUrl,
		PdsUrl:       u.PdsUrl,
		LastSyncedAt: u.SyncedAt,
	}

	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "display_name", "avatar_url", "pds_url", "last_synced_at", "updated_at"}),
	}).Create(rec).Error
}

func (d *DB) TouchUser(ctx context.Context, did string, at time.Time) error {
	return d.db.WithContext(ctx).Model(&UserRecord{}).Where("did = ?", did).Update("last_active_at", at).Error
}

func (d *DB) GetUser(ctx context.Context, did string) (*UserRecord, error) {
	var rec UserRecord
	if err := d.db.WithContext(ctx).Where("did = ?", did).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
