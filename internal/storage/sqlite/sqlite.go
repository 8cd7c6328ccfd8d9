package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wavelength-app/relay/internal/config"
	"github.com/wavelength-app/relay/internal/storage"
)

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

type channelModel struct {
	Frequency     string `gorm:"primaryKey;uniqueIndex"`
	Name          string
	Protected     bool
	HostSessionID string
	PasswordHash  string
	CreatedAt     time.Time
}

func (channelModel) TableName() string { return "active_wavelengths" }

// NewStore opens a SQLite database at the configured path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&channelModel{})
}

// CreateChannel stores a new channel record. The unique index on frequency
// rejects a concurrent registration of the same slot.
func (s *Store) CreateChannel(ctx context.Context, record *storage.ChannelRecord) error {
	if record == nil {
		return errors.New("nil record")
	}
	model := channelModel{
		Frequency:     record.Frequency,
		Name:          record.Name,
		Protected:     record.Protected,
		HostSessionID: record.HostSessionID,
		PasswordHash:  record.PasswordHash,
		CreatedAt:     record.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ChannelByFrequency retrieves a single record by canonical frequency.
func (s *Store) ChannelByFrequency(ctx context.Context, frequency string) (*storage.ChannelRecord, error) {
	var model channelModel
	if err := s.db.WithContext(ctx).Where("frequency = ?", frequency).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	record := toRecord(model)
	return &record, nil
}

// Channels returns every persisted channel record.
func (s *Store) Channels(ctx context.Context) ([]storage.ChannelRecord, error) {
	var models []channelModel
	if err := s.db.WithContext(ctx).Order("frequency").Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]storage.ChannelRecord, 0, len(models))
	for _, model := range models {
		records = append(records, toRecord(model))
	}
	return records, nil
}

// Frequencies returns just the taken frequency strings, feeding the
// allocator's cache rebuilds.
func (s *Store) Frequencies(ctx context.Context) ([]string, error) {
	var frequencies []string
	if err := s.db.WithContext(ctx).Model(&channelModel{}).Pluck("frequency", &frequencies).Error; err != nil {
		return nil, err
	}
	return frequencies, nil
}

// DeleteChannel removes a record, reporting whether one existed.
func (s *Store) DeleteChannel(ctx context.Context, frequency string) (bool, error) {
	result := s.db.WithContext(ctx).Where("frequency = ?", frequency).Delete(&channelModel{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteAllChannels clears the channel table. Used by the destructive
// startup reset.
func (s *Store) DeleteAllChannels(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&channelModel{}).Error
}

func toRecord(model channelModel) storage.ChannelRecord {
	return storage.ChannelRecord{
		Frequency:     model.Frequency,
		Name:          model.Name,
		Protected:     model.Protected,
		HostSessionID: model.HostSessionID,
		PasswordHash:  model.PasswordHash,
		CreatedAt:     model.CreatedAt,
	}
}
