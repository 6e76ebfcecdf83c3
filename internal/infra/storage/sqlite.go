package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"ledger_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists user settings and the known-asset registry
type Storage struct {
	db *gorm.DB
}

var _ domain.SettingsStore = (*Storage)(nil)

// NewStorage opens (or creates) the SQLite database at path.
// An empty path resolves to the per-user config directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.AssetInfo{}, &domain.AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "LedgerSync", "data", "ledger_sync.db"), nil
}

// Close releases the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Asset Registry
// ======================================================================================

// UpsertAsset creates or updates one registry entry
func (s *Storage) UpsertAsset(asset *domain.AssetInfo) error {
	return s.db.Save(asset).Error
}

// RecordAssets inserts denoms that are not yet registered and returns how many were new.
// Existing rows keep their FirstSeenAt.
func (s *Storage) RecordAssets(denoms []string, nativeDenom string) (int, error) {
	if len(denoms) == 0 {
		return 0, nil
	}

	now := time.Now()
	assets := make([]domain.AssetInfo, 0, len(denoms))
	for _, d := range denoms {
		if d == "" {
			continue
		}
		assets = append(assets, domain.AssetInfo{
			Denom:       d,
			Native:      d == nativeDenom,
			FirstSeenAt: now,
		})
	}
	if len(assets) == 0 {
		return 0, nil
	}

	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&assets)
	return int(res.RowsAffected), res.Error
}

// GetAsset retrieves a registry entry by denom
func (s *Storage) GetAsset(denom string) (*domain.AssetInfo, error) {
	var asset domain.AssetInfo
	err := s.db.First(&asset, "denom = ?", denom).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &asset, err
}

// ListAssets returns every registered asset ordered by denom
func (s *Storage) ListAssets() ([]domain.AssetInfo, error) {
	var assets []domain.AssetInfo
	err := s.db.Order("denom").Find(&assets).Error
	return assets, err
}

// AssetDenoms returns the registered denoms in sorted order
func (s *Storage) AssetDenoms() ([]string, error) {
	assets, err := s.ListAssets()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.Denom)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteAsset removes a denom from the registry
func (s *Storage) DeleteAsset(denom string) error {
	return s.db.Where("denom = ?", denom).Delete(&domain.AssetInfo{}).Error
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a user configuration
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// GetConfig returns one setting, or ErrConfigNotFound
func (s *Storage) GetConfig(key string) (string, error) {
	var config domain.AppConfig
	err := s.db.First(&config, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", domain.ErrConfigNotFound, key)
	}
	return config.Value, err
}

// LoadConfigMap loads all user configurations as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}
