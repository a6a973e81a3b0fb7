package dbmigrate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const lockFileExtension = ".migration.lock"

// LockInfo 锁文件内容
type LockInfo struct {
	DBPath      string `json:"db_path"`
	BackupPath  string `json:"backup_path"`
	StartTime   string `json:"start_time"`
	FromVersion uint   `json:"from_version"`
	PID         int    `json:"pid"`
}

func newLockInfo(dbPath, backupPath string, from uint) *LockInfo {
	return &LockInfo{
		DBPath:      dbPath,
		BackupPath:  backupPath,
		StartTime:   time.Now().Format(time.RFC3339),
		FromVersion: from,
		PID:         os.Getpid(),
	}
}

// LockManager 迁移期间的锁文件，进程崩溃后残留的锁表示迁移未完成
type LockManager struct {
	lockPath string
}

func NewLockManager(dbPath string) *LockManager {
	return &LockManager{lockPath: dbPath + lockFileExtension}
}

func (m *LockManager) Acquire(info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (m *LockManager) Release() error {
	if err := os.Remove(m.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *LockManager) IsLocked() bool {
	_, err := os.Stat(m.lockPath)
	return err == nil
}

func (m *LockManager) Info() (*LockInfo, error) {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
