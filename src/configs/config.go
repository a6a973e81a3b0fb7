package configs

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
}

var defaultRPC = RPC{
	Enable: true,
	Bind:   ":8080",
}

func (r *RPC) verify() error {
	if r == nil {
		return nil
	}
	if !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("invalid rpc bind address: %w", err)
	}
	return nil
}

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	SaveEveryLog bool   `yaml:"save_every_log" json:"save_every_log"`
	// RotateDays 按天滚动日志时最多保留的天数（<=0 表示不清理）
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

// 迁移任务存储类型
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Store 迁移任务存储配置
type Store struct {
	Driver string `yaml:"driver" json:"driver"`
	// Path SQLite 数据库文件路径，为空时放在 AppDataPath 下
	Path string `yaml:"path" json:"path"`
}

func (s *Store) verify() error {
	switch s.Driver {
	case StoreMemory, StoreSQLite:
		return nil
	}
	return fmt.Errorf("unknown store driver %q", s.Driver)
}

// Migration 迁移执行参数
type Migration struct {
	BatchSize        int           `yaml:"batch_size" json:"batch_size"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	LoadWorkers      int           `yaml:"load_workers" json:"load_workers"`
	LoadChunkSize    int           `yaml:"load_chunk_size" json:"load_chunk_size"`
	TransformWorkers int           `yaml:"transform_workers" json:"transform_workers"`
}

var defaultMigration = Migration{
	BatchSize:        100,
	MaxRetries:       3,
	RetryBaseDelay:   200 * time.Millisecond,
	RetryMaxDelay:    5 * time.Second,
	LoadWorkers:      4,
	LoadChunkSize:    50,
	TransformWorkers: 8,
}

// MaxBatchSize 单批记录数上限
const MaxBatchSize = 10000

func (m *Migration) verify() error {
	if m.BatchSize <= 0 || m.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d", MaxBatchSize)
	}
	if m.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if m.RetryBaseDelay < 0 || m.RetryMaxDelay < m.RetryBaseDelay {
		return errors.New("retry_max_delay must be >= retry_base_delay >= 0")
	}
	if m.LoadWorkers <= 0 || m.TransformWorkers <= 0 || m.LoadChunkSize <= 0 {
		return errors.New("load_workers, load_chunk_size and transform_workers must be positive")
	}
	return nil
}

// Progress 进度推送配置
type Progress struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" json:"keepalive_interval"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer" json:"subscriber_buffer"`
}

var defaultProgress = Progress{
	KeepaliveInterval: 30 * time.Second,
	SubscriberBuffer:  64,
}

// Schemas 目标实体结构来源
type Schemas struct {
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// Files 额外的结构定义文件（yaml），与内置结构合并
	Files []string `yaml:"files" json:"files"`
}

// 连接器类型
const (
	ConnectorHTTP   = "http"
	ConnectorMemory = "memory"
	ConnectorXLSX   = "xlsx"
)

// Connector 单个外部服务的连接器配置
type Connector struct {
	Type    string `yaml:"type" json:"type"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// 鉴权：从环境变量读取密钥，写入指定请求头
	APIKeyEnv  string            `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	AuthHeader string            `yaml:"auth_header,omitempty" json:"auth_header,omitempty"`
	AuthScheme string            `yaml:"auth_scheme,omitempty" json:"auth_scheme,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// 抽取：ListPath 为模板，例如 "/v1/{{ .Entity | lower }}s"
	ListPath       string `yaml:"list_path,omitempty" json:"list_path,omitempty"`
	LimitParam     string `yaml:"limit_param,omitempty" json:"limit_param,omitempty"`
	CursorParam    string `yaml:"cursor_param,omitempty" json:"cursor_param,omitempty"`
	RecordsPath    string `yaml:"records_path,omitempty" json:"records_path,omitempty"`
	IDPath         string `yaml:"id_path,omitempty" json:"id_path,omitempty"`
	NextCursorPath string `yaml:"next_cursor_path,omitempty" json:"next_cursor_path,omitempty"`
	TotalPath      string `yaml:"total_path,omitempty" json:"total_path,omitempty"`

	// 加载
	LoadPath    string `yaml:"load_path,omitempty" json:"load_path,omitempty"`
	ResultsPath string `yaml:"results_path,omitempty" json:"results_path,omitempty"`

	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Fixtures memory 连接器的初始数据：实体名 -> 记录列表
	Fixtures map[string][]map[string]any `yaml:"fixtures,omitempty" json:"fixtures,omitempty"`

	// File xlsx 连接器读取的工作簿，每个工作表对应一个实体
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

func (c *Connector) verify(name string) error {
	switch c.Type {
	case ConnectorMemory:
		return nil
	case ConnectorHTTP:
		if c.BaseURL == "" {
			return fmt.Errorf("connector %s: base_url is required", name)
		}
		if c.RequestsPerMinute < 0 {
			return fmt.Errorf("connector %s: requests_per_minute must not be negative", name)
		}
		return nil
	case ConnectorXLSX:
		if c.File == "" {
			return fmt.Errorf("connector %s: file is required", name)
		}
		return nil
	}
	return fmt.Errorf("connector %s: unknown type %q", name, c.Type)
}

// 通知服务所需配置
type Notify struct {
	Email Email `yaml:"email" json:"email"`
}

type Email struct {
	Enable         bool   `yaml:"enable" json:"enable"`
	SMTPHost       string `yaml:"smtpHost" json:"smtpHost"`
	SMTPPort       int    `yaml:"smtpPort" json:"smtpPort"`
	SenderEmail    string `yaml:"senderEmail" json:"senderEmail"`
	SenderPassword string `yaml:"senderPassword" json:"-"`
	RecipientEmail string `yaml:"recipientEmail" json:"recipientEmail"`
}

// Sentry 错误上报配置，DSN 为空时不启用
type Sentry struct {
	DSN         string `yaml:"dsn" json:"-"`
	Environment string `yaml:"environment" json:"environment"`
}

// Config content all config info.
type Config struct {
	File        string               `yaml:"-" json:"-"`
	RPC         RPC                  `yaml:"rpc" json:"rpc"`
	Debug       bool                 `yaml:"debug" json:"debug"`
	Log         Log                  `yaml:"log" json:"log"`
	AppDataPath string               `yaml:"app_data_path" json:"app_data_path"`
	Store       Store                `yaml:"store" json:"store"`
	Migration   Migration            `yaml:"migration" json:"migration"`
	Progress    Progress             `yaml:"progress" json:"progress"`
	Schemas     Schemas              `yaml:"schemas" json:"schemas"`
	Connectors  map[string]Connector `yaml:"connectors" json:"connectors"`
	Notify      Notify               `yaml:"notify" json:"notify"`
	Sentry      Sentry               `yaml:"sentry" json:"sentry"`
}

// 使用 atomic.Value 存放当前配置指针，避免并发读写造成 data race
var config atomic.Value // stores *Config

// 单独的 Debug 原子标志，便于高频读取
var currentDebug atomic.Bool

func SetCurrentConfig(cfg *Config) {
	if cfg == nil {
		config.Store((*Config)(nil))
		currentDebug.Store(false)
		return
	}
	config.Store(cfg)
	currentDebug.Store(cfg.Debug)
}

func GetCurrentConfig() *Config {
	v := config.Load()
	if v == nil {
		return nil
	}
	return v.(*Config)
}

// IsDebug 提供并发安全、低开销的 Debug 值读取
func IsDebug() bool {
	return currentDebug.Load()
}

var defaultConfig = Config{
	RPC:   defaultRPC,
	Debug: false,
	Log: Log{
		OutPutFolder: "./",
		SaveLastLog:  true,
		SaveEveryLog: false,
		RotateDays:   7,
	},
	AppDataPath: "./.appdata",
	Store: Store{
		Driver: StoreSQLite,
	},
	Migration: defaultMigration,
	Progress:  defaultProgress,
	Schemas: Schemas{
		CacheSize: 256,
	},
	Notify: Notify{
		Email: Email{
			Enable:   false,
			SMTPHost: "smtp.example.com",
			SMTPPort: 465,
		},
	},
}

func NewConfig() *Config {
	config := defaultConfig
	config.Connectors = map[string]Connector{}
	newConfigPostProcess(&config)
	return &config
}

func newConfigPostProcess(c *Config) {
	if c.Connectors == nil {
		c.Connectors = map[string]Connector{}
	}
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.AppDataPath, "db", "migrations.db")
	}
}

// Verify will return an error when this config has problem.
func (c *Config) Verify() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	if err := c.Store.verify(); err != nil {
		return err
	}
	if err := c.Migration.verify(); err != nil {
		return err
	}
	if c.Progress.SubscriberBuffer <= 0 {
		return errors.New("progress.subscriber_buffer must be positive")
	}
	for name, conn := range c.Connectors {
		if err := conn.verify(name); err != nil {
			return err
		}
	}
	if c.Notify.Email.Enable && (c.Notify.Email.SMTPHost == "" || c.Notify.Email.RecipientEmail == "") {
		return errors.New("notify.email requires smtpHost and recipientEmail")
	}
	return nil
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	newConfigPostProcess(&config)
	return &config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("can`t open file: %s", file)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	return config, nil
}
