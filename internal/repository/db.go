package repository

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

// Open connects to DATABASE_URL. postgres:// and postgresql:// use the
// postgres driver; sqlite://<path> or sqlite::memory: use sqlite.
func Open(databaseURL string) (*gorm.DB, error) {
	dialector, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func dialectorFor(databaseURL string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.Open(databaseURL), nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), nil
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite:")), nil
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme")
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Session{}, &domain.RefreshLease{})
}
