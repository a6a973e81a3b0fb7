package dbmigrate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupSuffix = ".backup_"
	// MaxBackupCount 最多保留的备份数量
	MaxBackupCount = 5
)

// BackupManager 数据库文件备份
type BackupManager struct {
	dbPath string
}

func NewBackupManager(dbPath string) *BackupManager {
	return &BackupManager{dbPath: dbPath}
}

// Create 复制数据库文件，数据库不存在时返回空路径
func (m *BackupManager) Create() (string, error) {
	if _, err := os.Stat(m.dbPath); os.IsNotExist(err) {
		return "", nil
	}
	backupPath := m.dbPath + backupSuffix + time.Now().Format("20060102_150405.000000000")
	if err := copyFile(m.dbPath, backupPath); err != nil {
		return "", err
	}
	_ = m.Cleanup()
	return backupPath, nil
}

// Restore 用备份覆盖数据库文件
func (m *BackupManager) Restore(backupPath string) error {
	if backupPath == "" {
		return errors.New("backup path is empty")
	}
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup file not found: %s", backupPath)
	}
	if err := os.Remove(m.dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove current database: %w", err)
	}
	return copyFile(backupPath, m.dbPath)
}

func (m *BackupManager) Remove(backupPath string) error {
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List 列出备份，最新的在前
func (m *BackupManager) List() ([]string, error) {
	dir := filepath.Dir(m.dbPath)
	prefix := filepath.Base(m.dbPath) + backupSuffix
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// Cleanup 只保留最近 MaxBackupCount 个备份
func (m *BackupManager) Cleanup() error {
	backups, err := m.List()
	if err != nil || len(backups) <= MaxBackupCount {
		return err
	}
	for _, b := range backups[MaxBackupCount:] {
		if err := m.Remove(b); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	return out.Sync()
}
