package pipeline

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/recordbridge/recordbridge/src/pkg/dbmigrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// 定宽 UTC 时间格式，字符串顺序即时间顺序
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, name, description, sources_json, target_json, mappings_json, joins_json,
	dry_run, batch_size, status, counters_json, error_message,
	created_at, updated_at, started_at, completed_at`

// SQLiteStore SQLite 存储实现
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore 创建 SQLite 存储，打开前执行结构迁移
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	migrator, err := dbmigrate.New(dbmigrate.Config{
		DBPath: dbPath,
		Source: migrationFS,
		SubDir: "migrations",
		Backup: true,
	})
	if err != nil {
		return nil, err
	}
	if recovered, err := migrator.Recover(); err != nil {
		return nil, err
	} else if recovered {
		logrus.WithField("db_path", dbPath).Warn("recovered job store from backup")
	}
	if _, err := migrator.Up(); err != nil {
		return nil, fmt.Errorf("failed to migrate job store: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type jobRow struct {
	sources, target, mappings, joins, counters string
}

func encodeJob(job *MigrationJob) (*jobRow, error) {
	var (
		row jobRow
		err error
	)
	enc := func(dst *string, v any) {
		if err != nil {
			return
		}
		var b []byte
		b, err = json.Marshal(v)
		*dst = string(b)
	}
	enc(&row.sources, job.Sources)
	enc(&row.target, job.Target)
	enc(&row.mappings, job.Mappings)
	enc(&row.joins, job.Joins)
	enc(&row.counters, job.Counters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode migration %s: %w", job.ID, err)
	}
	return &row, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateJob 创建任务
func (s *SQLiteStore) CreateJob(ctx context.Context, job *MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO migration_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Description,
		row.sources, row.target, row.mappings, row.joins,
		boolToInt(job.DryRun), job.BatchSize, string(job.Status), row.counters, job.ErrorMessage,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
		formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt),
	)
	return err
}

// GetJob 获取任务
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// UpdateJob 更新任务
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *MigrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs SET
			name = ?,
			description = ?,
			sources_json = ?,
			target_json = ?,
			mappings_json = ?,
			joins_json = ?,
			dry_run = ?,
			batch_size = ?,
			status = ?,
			counters_json = ?,
			error_message = ?,
			updated_at = ?,
			started_at = ?,
			completed_at = ?
		WHERE id = ?
	`,
		job.Name, job.Description,
		row.sources, row.target, row.mappings, row.joins,
		boolToInt(job.DryRun), job.BatchSize, string(job.Status), row.counters, job.ErrorMessage,
		formatTime(job.UpdatedAt), formatTimePtr(job.StartedAt), formatTimePtr(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteJob 删除任务
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM migration_jobs WHERE id = ?", id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobs 列出任务
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*MigrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + jobColumns + ` FROM migration_jobs`

	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*MigrationJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			logrus.WithError(err).Warn("failed to scan migration job")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close 关闭存储
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*MigrationJob, error) {
	var (
		job                                        MigrationJob
		sources, target, mappings, joins, counters string
		status, createdAt, updatedAt               string
		startedAt, completedAt                     sql.NullString
		dryRun                                     int
	)
	err := row.Scan(
		&job.ID, &job.Name, &job.Description,
		&sources, &target, &mappings, &joins,
		&dryRun, &job.BatchSize, &status, &counters, &job.ErrorMessage,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.DryRun = dryRun != 0

	for _, f := range []struct {
		src string
		dst any
	}{
		{sources, &job.Sources},
		{target, &job.Target},
		{mappings, &job.Mappings},
		{joins, &job.Joins},
		{counters, &job.Counters},
	} {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode migration %s: %w", job.ID, err)
		}
	}

	if job.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
