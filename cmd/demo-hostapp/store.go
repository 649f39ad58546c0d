package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/datastore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	acc "github.com/panyam/accounts"
	"github.com/panyam/accounts/stores/fs"
	"github.com/panyam/accounts/stores/gae"
	gormstore "github.com/panyam/accounts/stores/gorm"
)

// openStore opens the account store selected by DBDriver:
//
//	sqlite, postgres  DBDSN is the gorm DSN
//	fs                DBDSN is a directory
//	datastore         DBDSN is "<project>" or "<project>/<namespace>"
//
// The returned closer releases the underlying connection.
func openStore(ctx context.Context, cfg *acc.Config, migrate bool) (acc.AccountStore, io.Closer, error) {
	switch cfg.DBDriver {
	case "sqlite", "postgres":
		var dialector gorm.Dialector
		if cfg.DBDriver == "postgres" {
			dialector = postgres.Open(cfg.DBDSN)
		} else {
			dialector = sqlite.Open(cfg.DBDSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s database: %w", cfg.DBDriver, err)
		}
		if migrate {
			if err := gormstore.AutoMigrate(db); err != nil {
				return nil, nil, fmt.Errorf("migrating: %w", err)
			}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.New(db), sqlDB, nil

	case "fs":
		store, err := fs.NewStore(cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, io.NopCloser(nil), nil

	case "datastore":
		project, namespace, _ := strings.Cut(cfg.DBDSN, "/")
		client, err := datastore.NewClient(ctx, project)
		if err != nil {
			return nil, nil, fmt.Errorf("creating datastore client: %w", err)
		}
		return gae.New(client, namespace), client, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown db driver %q", acc.ErrInvalidConfiguration, cfg.DBDriver)
}
