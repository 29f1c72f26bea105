package data

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

const canonicalIndex = "idx_files_canonical"

var migrations = []*gormigrate.Migration{
	// files + blob_tombstones
	{
		ID: "202610010001",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&FilePO{}, &TombstonePO{})
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Migrator().DropTable("blob_tombstones"); err != nil {
				return err
			}
			return tx.Migrator().DropTable("files")
		},
	},
	// 每个用户每个 digest 只能有一条 canonical 记录
	{
		ID: "202610010002",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec("CREATE UNIQUE INDEX IF NOT EXISTS " + canonicalIndex +
				" ON files (owner, content_digest) WHERE is_reference = false").Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec("DROP INDEX IF EXISTS " + canonicalIndex).Error
		},
	},
}

func migrator(db *gorm.DB) *gormigrate.Gormigrate {
	return gormigrate.New(db, gormigrate.DefaultOptions, migrations)
}

// Migrate applies every pending migration.
func Migrate(db *gorm.DB) error {
	if err := migrator(db).Migrate(); err != nil {
		return fmt.Errorf("could not migrate: %w", err)
	}
	return nil
}

// RollbackLast undoes the most recent migration.
func RollbackLast(db *gorm.DB) error {
	if err := migrator(db).RollbackLast(); err != nil {
		return fmt.Errorf("could not roll back: %w", err)
	}
	return nil
}

// MigrationIDs lists known migrations in order.
func MigrationIDs() []string {
	ids := make([]string, len(migrations))
	for i, m := range migrations {
		ids[i] = m.ID
	}
	return ids
}
