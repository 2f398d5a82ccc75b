package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	backupTimestampLayout = "20060102_150405"
	supplyReferenceIndex  = "idx_Coffee_BagOfCoffeeId"
	// DefaultBackupRetention is how many pre-migration backups are kept.
	DefaultBackupRetention = 5
)

var errMissingStore = errors.New("database store is required")

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// columnAddition is an additive schema change applied only when the table
// exists and the column does not.
type columnAddition struct {
	table      string
	column     string
	definition string
}

func (c columnAddition) name() string {
	return fmt.Sprintf("add_column:%s.%s", c.table, c.column)
}

var columnAdditions = []columnAddition{
	{table: consumption.TableName, column: "BagOfCoffeeId", definition: "INTEGER NOT NULL DEFAULT 0"},
	{table: consumption.TableName, column: "BagName", definition: "TEXT"},
	{table: supplies.TableName, column: "TotalOunces", definition: "REAL NOT NULL DEFAULT 0"},
	{table: supplies.TableName, column: "RemainingOunces", definition: "REAL NOT NULL DEFAULT 0"},
}

// MigrationReport lists what a migration run changed.
type MigrationReport struct {
	BackupPath     string
	ColumnsAdded   []string
	IndexesCreated []string
	BackupsPruned  []string
}

// Changed reports whether the schema was altered.
func (r MigrationReport) Changed() bool {
	return len(r.ColumnsAdded) > 0 || len(r.IndexesCreated) > 0
}

// MigratorConfig describes the dependencies of the migration manager.
type MigratorConfig struct {
	Store *Store
	Clock func() time.Time
	// BackupRetention keeps the newest N backups; zero keeps every backup.
	BackupRetention int
	Logger          *zap.Logger
}

// Migrator backs up coffee.db and evolves its schema additively.
type Migrator struct {
	store     *Store
	clock     func() time.Time
	retention int
	logger    *zap.Logger
}

// NewMigrator constructs a Migrator.
func NewMigrator(cfg MigratorConfig) (*Migrator, error) {
	if cfg.Store == nil || cfg.Store.DB == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retention := cfg.BackupRetention
	if retention < 0 {
		retention = 0
	}
	return &Migrator{store: cfg.Store, clock: clock, retention: retention, logger: logger}, nil
}

// Migrate copies the database file to a timestamped backup and then adds
// any missing columns. It never drops, renames or retypes a column and is
// safe to run repeatedly. A backup failure aborts before the schema is
// touched; any storage error is returned as is.
func (m *Migrator) Migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport

	backupPath, err := m.backup()
	if err != nil {
		return report, fmt.Errorf("backup database: %w", err)
	}
	report.BackupPath = backupPath
	if backupPath != "" {
		m.logger.Info("database backup created", zap.String("backup", backupPath))
	}

	db := m.store.DB.WithContext(ctx)
	columnsByTable := make(map[string]map[string]bool)
	for _, addition := range columnAdditions {
		columns, ok := columnsByTable[addition.table]
		if !ok {
			columns, err = tableColumns(db, addition.table)
			if err != nil {
				return report, err
			}
			columnsByTable[addition.table] = columns
		}
		if len(columns) == 0 || columns[strings.ToLower(addition.column)] {
			continue
		}

		statement := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quoteIdentifier(addition.table), quoteIdentifier(addition.column), addition.definition)
		if err := db.Exec(statement).Error; err != nil {
			return report, fmt.Errorf("%s: %w", addition.name(), err)
		}
		columns[strings.ToLower(addition.column)] = true
		if err := m.record(db, addition.name()); err != nil {
			return report, err
		}
		report.ColumnsAdded = append(report.ColumnsAdded, addition.table+"."+addition.column)
		m.logger.Info("database migration applied", zap.String("migration", addition.name()))
	}

	if columns := columnsByTable[consumption.TableName]; columns[strings.ToLower("BagOfCoffeeId")] {
		created, err := ensureIndex(db, supplyReferenceIndex, consumption.TableName, "BagOfCoffeeId")
		if err != nil {
			return report, err
		}
		if created {
			report.IndexesCreated = append(report.IndexesCreated, supplyReferenceIndex)
		}
	}

	if backupPath != "" {
		report.BackupsPruned = m.pruneBackups()
	}
	return report, nil
}

func (m *Migrator) record(db *gorm.DB, name string) error {
	migrator := db.Migrator()
	if !migrator.HasTable(&migrationRecord{}) {
		if err := migrator.CreateTable(&migrationRecord{}); err != nil {
			return fmt.Errorf("create migration ledger: %w", err)
		}
	}
	record := migrationRecord{Name: name, AppliedAtSeconds: m.clock().UTC().Unix()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

// backup copies the database file next to itself. A missing or empty file
// has nothing worth protecting and yields an empty path.
func (m *Migrator) backup() (string, error) {
	info, err := os.Stat(m.store.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info.Size() == 0 {
		return "", nil
	}

	target := BackupPath(m.store.Path, m.clock())
	if err := copyFile(m.store.Path, target); err != nil {
		return "", err
	}
	return target, nil
}

// pruneBackups removes all but the newest retained backups. Pruning is
// housekeeping; failures are logged, not returned.
func (m *Migrator) pruneBackups() []string {
	if m.retention == 0 {
		return nil
	}
	backups, err := ListBackups(m.store.Path)
	if err != nil {
		m.logger.Warn("list database backups failed", zap.Error(err))
		return nil
	}
	if len(backups) <= m.retention {
		return nil
	}

	var pruned []string
	for _, stale := range backups[m.retention:] {
		if err := os.Remove(stale); err != nil {
			m.logger.Warn("remove database backup failed", zap.String("backup", stale), zap.Error(err))
			continue
		}
		pruned = append(pruned, stale)
	}
	if len(pruned) > 0 {
		m.logger.Info("database backups pruned", zap.Strings("backups", pruned))
	}
	return pruned
}

// BackupPath returns <name>_backup_<YYYYMMDD_HHmmss>.<ext> next to databasePath.
func BackupPath(databasePath string, at time.Time) string {
	directory := filepath.Dir(databasePath)
	extension := filepath.Ext(databasePath)
	name := strings.TrimSuffix(filepath.Base(databasePath), extension)
	return filepath.Join(directory, name+"_backup_"+at.Format(backupTimestampLayout)+extension)
}

// ListBackups returns the backups of databasePath, newest first.
func ListBackups(databasePath string) ([]string, error) {
	directory := filepath.Dir(databasePath)
	extension := filepath.Ext(databasePath)
	name := strings.TrimSuffix(filepath.Base(databasePath), extension)
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(name) + `_backup_\d{8}_\d{6}` + regexp.QuoteMeta(extension) + "$")

	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, entry := range entries {
		if entry.IsDir() || !pattern.MatchString(entry.Name()) {
			continue
		}
		backups = append(backups, filepath.Join(directory, entry.Name()))
	}
	// the timestamp layout sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

func copyFile(source, target string) error {
	input, err := os.Open(source)
	if err != nil {
		return err
	}
	defer input.Close()

	output, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, input); err != nil {
		_ = output.Close()
		return err
	}
	if err := output.Sync(); err != nil {
		_ = output.Close()
		return err
	}
	return output.Close()
}

type tableColumn struct {
	CID          int     `gorm:"column:cid"`
	Name         string  `gorm:"column:name"`
	Type         string  `gorm:"column:type"`
	NotNull      int     `gorm:"column:notnull"`
	DefaultValue *string `gorm:"column:dflt_value"`
	PrimaryKey   int     `gorm:"column:pk"`
}

// tableColumns returns the lowercase column names of table. An absent
// table yields an empty set.
func tableColumns(db *gorm.DB, table string) (map[string]bool, error) {
	var columns []tableColumn
	if err := db.Raw("PRAGMA table_info(" + quoteIdentifier(table) + ")").Scan(&columns).Error; err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	names := make(map[string]bool, len(columns))
	for _, column := range columns {
		names[strings.ToLower(column.Name)] = true
	}
	return names, nil
}

func ensureIndex(db *gorm.DB, index, table, column string) (bool, error) {
	var count int64
	if err := db.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?", index).Scan(&count).Error; err != nil {
		return false, fmt.Errorf("inspect index %s: %w", index, err)
	}
	if count > 0 {
		return false, nil
	}
	statement := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdentifier(index), quoteIdentifier(table), quoteIdentifier(column))
	if err := db.Exec(statement).Error; err != nil {
		return false, fmt.Errorf("create index %s: %w", index, err)
	}
	return true, nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
