// Package dbmigrate 对 SQLite 数据库执行版本化结构迁移，迁移前备份，失败时回滚
package dbmigrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMigrationFailed 迁移失败
	ErrMigrationFailed = errors.New("schema migration failed")
	// ErrLocked 另一个进程正在迁移同一数据库
	ErrLocked = errors.New("database is locked by another migration")
)

// Config 迁移参数
type Config struct {
	// DBPath 数据库文件路径
	DBPath string
	// Source 迁移 SQL 文件（通常为 embed.FS）
	Source fs.FS
	// SubDir Source 中迁移文件所在目录
	SubDir string
	// Backup 迁移前复制数据库文件，失败时用其恢复
	Backup bool
	// DB 可选的已打开连接，为 nil 时自行打开并在结束后关闭
	DB *sql.DB
}

// Result 迁移结果
type Result struct {
	FromVersion uint
	ToVersion   uint
	WasDirty    bool
	BackupPath  string
}

// Migrator 数据库迁移器
type Migrator struct {
	config  Config
	locks   *LockManager
	backups *BackupManager
	logger  *logrus.Entry
}

// New 创建迁移器
func New(config Config) (*Migrator, error) {
	if config.DBPath == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if config.Source == nil {
		return nil, errors.New("migration source cannot be nil")
	}
	if config.SubDir == "" {
		config.SubDir = "."
	}
	return &Migrator{
		config:  config,
		locks:   NewLockManager(config.DBPath),
		backups: NewBackupManager(config.DBPath),
		logger:  logrus.WithField("db_path", config.DBPath),
	}, nil
}

// open 返回 migrate 实例与释放函数
func (m *Migrator) open() (*migrate.Migrate, func(), error) {
	db := m.config.DB
	release := func() {}
	if db == nil {
		var err error
		db, err = sql.Open("sqlite", m.config.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		release = func() { db.Close() }
	}

	sourceDriver, err := iofs.New(m.config.Source, m.config.SubDir)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create iofs source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	mig, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return mig, release, nil
}

// Up 迁移到最新版本
func (m *Migrator) Up() (*Result, error) {
	if m.locks.IsLocked() {
		info, err := m.locks.Info()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read lock info: %v", ErrLocked, err)
		}
		return nil, fmt.Errorf("%w: started at %s (PID: %d)", ErrLocked, info.StartTime, info.PID)
	}
	if err := os.MkdirAll(filepath.Dir(m.config.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	mig, release, err := m.open()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &Result{}
	from, dirty, _ := mig.Version()
	result.FromVersion = from
	result.WasDirty = dirty

	if m.config.Backup {
		backupPath, err := m.backups.Create()
		if err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupPath = backupPath
		if backupPath != "" {
			if err := m.locks.Acquire(newLockInfo(m.config.DBPath, backupPath, from)); err != nil {
				_ = m.backups.Remove(backupPath)
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			defer m.locks.Release()
		}
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if result.BackupPath != "" {
			m.logger.WithError(err).Error("migration failed, restoring backup")
			if rerr := m.backups.Restore(result.BackupPath); rerr != nil {
				return result, fmt.Errorf("%w: %v (restore also failed: %v)", ErrMigrationFailed, err, rerr)
			}
		}
		return result, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	to, _, _ := mig.Version()
	result.ToVersion = to
	if from != to {
		m.logger.WithFields(logrus.Fields{
			"from_version": from,
			"to_version":   to,
			"was_dirty":    dirty,
			"backup_path":  result.BackupPath,
		}).Info("database migration completed")
	} else {
		m.logger.WithField("version", to).Debug("database schema is up to date")
	}
	return result, nil
}

// Version 返回当前版本，未迁移过的数据库返回 0
func (m *Migrator) Version() (uint, bool, error) {
	mig, release, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer release()
	version, dirty, err := mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Recover 处理上次未正常结束的迁移：从锁文件记录的备份恢复并释放锁
func (m *Migrator) Recover() (bool, error) {
	if !m.locks.IsLocked() {
		return false, nil
	}
	info, err := m.locks.Info()
	if err != nil {
		return false, fmt.Errorf("failed to read lock info: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"start_time":  info.StartTime,
		"pid":         info.PID,
		"backup_path": info.BackupPath,
	}).Warn("detected incomplete migration, restoring backup")
	if info.BackupPath != "" {
		if err := m.backups.Restore(info.BackupPath); err != nil {
			return true, fmt.Errorf("recovery failed: %w", err)
		}
	}
	return true, m.locks.Release()
}
