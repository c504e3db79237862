// Package store persists rules and DDoS Protector bindings.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jakubman1/exafs/internal/rule"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleRow is returned when a row vanished or changed state between
	// being read and being updated.
	ErrStaleRow = errors.New("stale row")
	// ErrDuplicateRule is returned when a rule would become live next to
	// another live rule with the same match criteria.
	ErrDuplicateRule = errors.New("duplicate live rule")
)

// Store is the gorm backed rule store.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema. Supported drivers
// are "sqlite" and "mysql".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		// sqlite allows a single writer; serialize on one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	slog.Debug("database ready", slog.String("driver", driver))
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&rule.Action{},
		&rule.Community{},
		&rule.Flowspec4{},
		&rule.Flowspec6{},
		&rule.RTBH{},
		&rule.DDPDevice{},
		&rule.DDPRulePreset{},
		&rule.DDPRuleExtras{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
