package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/consts"
	"github.com/recordbridge/recordbridge/src/interfaces"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
)

const (
	timestampFormat = "2006-01-02 15:04:05"
	dayFormat       = "2006-01-02"
	debugPollPeriod = 500 * time.Millisecond
)

var (
	stopDebugWatcher context.CancelFunc
	watcherMu        sync.Mutex
)

// New 按当前配置初始化全局 logrus Logger
// 输出始终包含 stderr；配置了输出目录时追加单次运行日志和按天滚动日志
func New(ctx context.Context) (*interfaces.Logger, error) {
	cfg := configs.GetCurrentConfig()
	if cfg == nil {
		cfg = configs.NewConfig()
	}

	writers := []io.Writer{os.Stderr}
	fileWriters, err := openFileWriters(cfg.Log, time.Now())
	if err != nil {
		return nil, err
	}
	writers = append(writers, fileWriters...)

	logger := logrus.StandardLogger()
	logger.SetOutput(io.MultiWriter(writers...))
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})
	applyDebug(logger, cfg.Debug)

	watchDebug(ctx, logger, cfg.Debug)

	logger.WithField("app", consts.AppName).Debug("logger initialized")
	return &interfaces.Logger{Logger: logger}, nil
}

func openFileWriters(cfg configs.Log, now time.Time) ([]io.Writer, error) {
	folder := cfg.OutPutFolder
	if folder == "" || (!cfg.SaveEveryLog && !cfg.SaveLastLog) {
		return nil, nil
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create log folder %s: %w", folder, err)
	}

	var writers []io.Writer
	if cfg.SaveEveryLog {
		name := filepath.Join(folder, now.Format("run-2006-01-02-15-04-05")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", name, err)
		}
		writers = append(writers, f)
	}
	if cfg.SaveLastLog {
		// 重新启动时丢弃上一轮的滚动日志
		old, _ := filepath.Glob(filepath.Join(folder, consts.AppName+"-*.log"))
		for _, f := range old {
			_ = os.Remove(f)
		}
		writers = append(writers, newDailyRotatingWriter(folder, consts.AppName, cfg.RotateDays))
	}
	return writers, nil
}

func applyDebug(logger *logrus.Logger, debug bool) {
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetReportCaller(debug)
}

// watchDebug 跟随配置中的 debug 开关调整日志级别，重复调用会替换之前的监听
func watchDebug(ctx context.Context, logger *logrus.Logger, initial bool) {
	watcherMu.Lock()
	if stopDebugWatcher != nil {
		stopDebugWatcher()
	}
	watcherCtx, cancel := context.WithCancel(ctx)
	stopDebugWatcher = cancel
	watcherMu.Unlock()

	rbsentry.GoWithContext(watcherCtx, func(ctx context.Context) {
		ticker := time.NewTicker(debugPollPeriod)
		defer ticker.Stop()
		prev := initial
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if now := configs.IsDebug(); now != prev {
					applyDebug(logger, now)
					prev = now
				}
			}
		}
	})
}

// dailyRotatingWriter 按天切分日志文件：<base>-YYYY-MM-DD.log
// retentionDays > 0 时删除更早的文件
type dailyRotatingWriter struct {
	dir           string
	base          string
	retentionDays int
	now           func() time.Time

	mu     sync.Mutex
	curDay string
	file   *os.File
}

func newDailyRotatingWriter(dir, base string, retentionDays int) *dailyRotatingWriter {
	w := &dailyRotatingWriter{dir: dir, base: base, retentionDays: retentionDays, now: time.Now}
	w.mu.Lock()
	_ = w.rotateLocked(w.now())
	w.mu.Unlock()
	return w
}

func (w *dailyRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(w.now()); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// Close 关闭当前日志文件
func (w *dailyRotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.curDay = ""
	return err
}

func (w *dailyRotatingWriter) rotateLocked(now time.Time) error {
	day := now.Format(dayFormat)
	if w.file != nil && day == w.curDay {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	f, err := os.OpenFile(w.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.curDay = day
	w.purgeLocked(now)
	return nil
}

func (w *dailyRotatingWriter) path(day string) string {
	return filepath.Join(w.dir, w.base+"-"+day+".log")
}

func (w *dailyRotatingWriter) purgeLocked(now time.Time) {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -w.retentionDays)
	prefix := w.base + "-"
	files, _ := filepath.Glob(filepath.Join(w.dir, prefix+"*.log"))
	for _, f := range files {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), prefix), ".log")
		t, err := time.ParseInLocation(dayFormat, day, now.Location())
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			_ = os.Remove(f)
		}
	}
}

// GetLogger 返回全局唯一的 logrus Logger
func GetLogger() *logrus.Logger {
	return logrus.StandardLogger()
}

// WithFields 是对全局 Logger 的便捷封装
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.StandardLogger().WithFields(fields)
}
