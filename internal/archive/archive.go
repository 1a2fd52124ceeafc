// Package archive keeps a record of rooms removed by the idle sweep. Room state itself is
// never persisted; only closed-room summaries are written.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/fireworks-backend/internal/room"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const batchSize = 100

var ErrNoDSN = errors.New("archive: empty database url")

// ClosedRoom is one swept room.
type ClosedRoom struct {
	ID             uint      `gorm:"primaryKey"`
	RoomID         string    `gorm:"size:36;not null;index"`
	Code           string    `gorm:"size:4"`
	Type           string    `gorm:"size:16;not null"`
	CreatedAt      time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null"`
	ClosedAt       time.Time `gorm:"not null;index"`
	PeakPlayers    int
	TotalFireworks int
}

func (ClosedRoom) TableName() string { return "closed_rooms" }

func FromSummary(s room.Summary) ClosedRoom {
	return ClosedRoom{
		RoomID:         s.RoomID,
		Code:           s.Code,
		Type:           string(s.Type),
		CreatedAt:      s.CreatedAt.UTC(),
		LastActivityAt: s.LastActivityAt.UTC(),
		ClosedAt:       s.ClosedAt.UTC(),
		PeakPlayers:    s.PeakPlayers,
		TotalFireworks: s.TotalFireworks,
	}
}

// Store writes closed rooms to Postgres.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects, migrates the closed_rooms table and returns a ready Store.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("archive: database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.WithContext(ctx).AutoMigrate(&ClosedRoom{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Archive(ctx context.Context, rooms []room.Summary) error {
	if len(rooms) == 0 {
		return nil
	}
	rows := make([]ClosedRoom, 0, len(rooms))
	for _, r := range rooms {
		rows = append(rows, FromSummary(r))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("archive: insert %d rooms: %w", len(rows), err)
	}
	s.log.Debug("archived rooms", zap.Int("count", len(rows)))
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Nop discards everything. Used when no database is configured.
type Nop struct{}

func (Nop) Archive(context.Context, []room.Summary) error { return nil }

func (Nop) Close() error { return nil }
