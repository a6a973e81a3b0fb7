package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/mapping"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
	"github.com/recordbridge/recordbridge/src/pkg/utils"
	"github.com/recordbridge/recordbridge/src/progress"
	"github.com/recordbridge/recordbridge/src/transform"
)

// ConnectorResolver 按服务名查找连接器，connectors.Registry 即是其实现
type ConnectorResolver interface {
	Extractor(service string) (connectors.Extractor, error)
	Loader(service string) (connectors.Loader, error)
}

// Observer 任务状态与批次结果的观察者，收到的都是快照
// 回调在迁移协程中同步执行，不应阻塞
type Observer interface {
	OnStatusChange(job *MigrationJob, from Status)
	OnBatch(job *MigrationJob, stats BatchStats)
}

// ManagerConfig 管理器配置
type ManagerConfig struct {
	BatchSize         int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	LoadWorkers       int
	LoadChunkSize     int
	TransformWorkers  int
	KeepaliveInterval time.Duration
	SubscriberBuffer  int
}

// DefaultManagerConfig 返回默认配置
func DefaultManagerConfig() *ManagerConfig {
	return NewManagerConfig(configs.NewConfig())
}

// NewManagerConfig 从应用配置生成管理器配置
func NewManagerConfig(cfg *configs.Config) *ManagerConfig {
	return &ManagerConfig{
		BatchSize:         cfg.Migration.BatchSize,
		MaxRetries:        cfg.Migration.MaxRetries,
		RetryBaseDelay:    cfg.Migration.RetryBaseDelay,
		RetryMaxDelay:     cfg.Migration.RetryMaxDelay,
		LoadWorkers:       cfg.Migration.LoadWorkers,
		LoadChunkSize:     cfg.Migration.LoadChunkSize,
		TransformWorkers:  cfg.Migration.TransformWorkers,
		KeepaliveInterval: cfg.Progress.KeepaliveInterval,
		SubscriberBuffer:  cfg.Progress.SubscriberBuffer,
	}
}

func (c *ManagerConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LoadWorkers <= 0 {
		c.LoadWorkers = 1
	}
	if c.LoadChunkSize <= 0 {
		c.LoadChunkSize = c.BatchSize
	}
	if c.TransformWorkers <= 0 {
		c.TransformWorkers = 1
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
}

// run 正在执行的迁移
type run struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Manager 迁移任务管理器
// 负责任务的持久化、状态机、执行协程与进度广播
type Manager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	store       Store
	resolver    ConnectorResolver
	schemas     connectors.SchemaProvider
	engine      *transform.Engine
	broadcaster *progress.Broadcaster
	config      *ManagerConfig
	running     map[string]*run
	observers   []Observer
	mu          sync.Mutex
	wg          sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager 创建迁移管理器，schemas 为 nil 时不做结构校验
func NewManager(ctx context.Context, store Store, resolver ConnectorResolver, schemas connectors.SchemaProvider, config *ManagerConfig) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	cfg := *config
	cfg.normalize()

	managerCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:         managerCtx,
		cancel:      cancel,
		store:       store,
		resolver:    resolver,
		schemas:     schemas,
		engine:      transform.NewEngine(),
		broadcaster: progress.NewBroadcaster(cfg.SubscriberBuffer),
		config:      &cfg,
		running:     make(map[string]*run),
		now:         time.Now,
		sleep:       utils.SleepContext,
	}
}

// AddObserver 注册观察者，须在 Run 之前调用
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Broadcaster 进度广播器
func (m *Manager) Broadcaster() *progress.Broadcaster {
	return m.broadcaster
}

// Engine 转换引擎
func (m *Manager) Engine() *transform.Engine {
	return m.engine
}

// Start 将上次进程退出时仍在运行的任务标记为失败（实现 Module 接口）
func (m *Manager) Start(ctx context.Context) error {
	jobs, err := m.store.ListJobs(ctx, JobFilter{})
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	for _, job := range jobs {
		if !job.Status.IsRunning() || m.isRunning(job.ID) {
			continue
		}
		from := job.Status
		job.ErrorMessage = "interrupted: process exited while the migration was running"
		if err := job.transition(StatusFailed, m.now()); err != nil {
			continue
		}
		if err := m.store.UpdateJob(ctx, job); err != nil {
			logrus.WithError(err).WithField("migration_id", job.ID).Warn("failed to mark interrupted migration")
			continue
		}
		m.notifyStatus(job, from)
		logrus.WithField("migration_id", job.ID).Warn("marked interrupted migration as failed")
	}
	logrus.Info("migration manager started")
	return nil
}

// Close 停止所有迁移并等待其退出（实现 Module 接口）
func (m *Manager) Close(ctx context.Context) {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warn("timed out waiting for migrations to stop")
	}

	m.broadcaster.CloseAll()
	if err := m.store.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close migration store")
	}
}

func (m *Manager) isRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// validateSpec 校验并补全任务描述，错误都包装 mapping.ErrConfig
func (m *Manager) validateSpec(spec *JobSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: name is required", mapping.ErrConfig)
	}
	if len(spec.Mappings) == 0 {
		return fmt.Errorf("%w: at least one entity mapping is required", mapping.ErrConfig)
	}
	if spec.BatchSize < 0 || spec.BatchSize > configs.MaxBatchSize {
		return fmt.Errorf("%w: batch_size must be between 1 and %d", mapping.ErrConfig, configs.MaxBatchSize)
	}
	if err := m.engine.CheckAll(spec.Mappings); err != nil {
		return err
	}
	for i, j := range spec.Joins {
		if j.Service == "" || j.Entity == "" || j.LocalField == "" || j.ForeignField == "" {
			return fmt.Errorf("%w: join %d requires service, entity, local_field and foreign_field", mapping.ErrConfig, i)
		}
	}

	if len(spec.Sources) == 0 {
		seen := make(map[string]bool)
		for _, em := range spec.Mappings {
			if !seen[em.SourceService] {
				seen[em.SourceService] = true
				spec.Sources = append(spec.Sources, SourceRef{Service: em.SourceService})
			}
		}
	}
	if spec.Target.Service == "" {
		spec.Target.Service = spec.Mappings[0].TargetService
	}
	return nil
}

// Create 创建草稿状态的迁移任务
func (m *Manager) Create(ctx context.Context, spec JobSpec) (*MigrationJob, error) {
	if err := m.validateSpec(&spec); err != nil {
		return nil, err
	}
	now := m.now()
	job := &MigrationJob{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.applySpec(&spec, m.config.BatchSize)

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create migration: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"migration_id": job.ID,
		"name":         job.Name,
		"mappings":     len(job.Mappings),
	}).Info("migration created")
	return job.Clone(), nil
}

// Update 修改草稿状态的迁移任务
func (m *Manager) Update(ctx context.Context, id string, spec JobSpec) (*MigrationJob, error) {
	if err := m.validateSpec(&spec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusDraft {
		return nil, fmt.Errorf("%w: only draft migrations can be updated (status %s)", ErrInvalidTransition, job.Status)
	}
	job.applySpec(&spec, m.config.BatchSize)
	job.UpdatedAt = m.now()
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update migration: %w", err)
	}
	return job, nil
}

// Get 获取任务快照
func (m *Manager) Get(ctx context.Context, id string) (*MigrationJob, error) {
	return m.store.GetJob(ctx, id)
}

// List 列出任务
func (m *Manager) List(ctx context.Context, filter JobFilter) ([]*MigrationJob, error) {
	return m.store.ListJobs(ctx, filter)
}

// Delete 删除任务，运行中的任务不能删除
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[id]; ok {
		return ErrJobRunning
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsRunning() {
		return ErrJobRunning
	}
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	m.broadcaster.Close(id)
	logrus.WithField("migration_id", id).Info("migration deleted")
	return nil
}

// Run 启动草稿状态的迁移
// 连接器解析与映射检查同步完成，随后切换到 extracting 并在独立协程中执行批处理循环
func (m *Manager) Run(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[id]; ok {
		return ErrJobRunning
	}
	if m.ctx.Err() != nil {
		return fmt.Errorf("migration manager is closed: %w", m.ctx.Err())
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusDraft {
		return fmt.Errorf("%w: only draft migrations can run (status %s)", ErrInvalidTransition, job.Status)
	}

	x, err := m.prepare(job)
	if err != nil {
		return err
	}

	from := job.Status
	if err := job.transition(StatusExtracting, m.now()); err != nil {
		return err
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to start migration: %w", err)
	}
	m.running[id] = x.run
	m.notifyStatus(job, from)

	x.log.WithFields(logrus.Fields{
		"mappings": len(job.Mappings),
		"dry_run":  job.DryRun,
	}).Info("migration started")

	m.wg.Add(1)
	rbsentry.Go(func() {
		defer m.wg.Done()
		defer close(x.run.done)
		x.execute(m.ctx)
	})
	return nil
}

// prepare 解析任务用到的全部连接器并检查映射
func (m *Manager) prepare(job *MigrationJob) (*execution, error) {
	if err := m.engine.CheckAll(job.Mappings); err != nil {
		return nil, err
	}
	x := &execution{
		m:          m,
		job:        job,
		run:        &run{done: make(chan struct{})},
		extractors: make(map[string]connectors.Extractor),
		loaders:    make(map[string]connectors.Loader),
		log:        logrus.WithField("migration_id", job.ID),
	}
	for _, em := range job.Mappings {
		if _, ok := x.extractors[em.SourceService]; !ok {
			e, err := m.resolver.Extractor(em.SourceService)
			if err != nil {
				return nil, err
			}
			x.extractors[em.SourceService] = e
		}
		if job.DryRun {
			continue
		}
		if _, ok := x.loaders[em.TargetService]; !ok {
			l, err := m.resolver.Loader(em.TargetService)
			if err != nil {
				return nil, err
			}
			x.loaders[em.TargetService] = l
		}
	}
	for _, j := range job.Joins {
		e, err := m.resolver.Extractor(j.Service)
		if err != nil {
			return nil, err
		}
		x.joins = append(x.joins, &joinIndex{Join: j, extractor: e})
	}
	return x, nil
}

// Cancel 取消迁移
// 草稿立即取消；运行中的迁移设置取消标记，在下一个批次边界生效；终态返回 ErrInvalidTransition
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.running[id]; ok {
		r.cancelled.Store(true)
		logrus.WithField("migration_id", id).Info("migration cancellation requested")
		return nil
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	from := job.Status
	if from.IsTerminal() {
		return fmt.Errorf("%w: migration already %s", ErrInvalidTransition, from)
	}
	if err := job.transition(StatusCancelled, m.now()); err != nil {
		return err
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to cancel migration: %w", err)
	}
	m.notifyStatus(job, from)
	m.broadcaster.Close(id)
	logrus.WithField("migration_id", id).Info("migration cancelled")
	return nil
}

// Retry 以失败或已取消的任务为模板创建新的草稿任务
func (m *Manager) Retry(ctx context.Context, id string) (*MigrationJob, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed && job.Status != StatusCancelled {
		return nil, fmt.Errorf("%w: only failed or cancelled migrations can be retried (status %s)", ErrInvalidTransition, job.Status)
	}
	retried, err := m.Create(ctx, JobSpec{
		Name:        job.Name,
		Description: job.Description,
		Sources:     job.Sources,
		Target:      job.Target,
		Mappings:    job.Mappings,
		Joins:       job.Joins,
		DryRun:      job.DryRun,
		BatchSize:   job.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"migration_id": retried.ID,
		"retry_of":     id,
	}).Info("migration retried")
	return retried, nil
}

// Wait 等待迁移协程退出，未在运行时立即返回
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 订阅迁移进度
func (m *Manager) Subscribe(id string) *progress.Stream {
	return m.broadcaster.Stream(id, m.config.KeepaliveInterval)
}

// finish 迁移协程退出前从运行表中移除
func (m *Manager) finish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

func (m *Manager) notifyStatus(job *MigrationJob, from Status) {
	for _, o := range m.observers {
		o.OnStatusChange(job.Clone(), from)
	}
}

func (m *Manager) notifyBatch(job *MigrationJob, stats BatchStats) {
	for _, o := range m.observers {
		o.OnBatch(job.Clone(), stats)
	}
}

// IsClientError 配置错误与状态错误，由调用方修正后可重试
func IsClientError(err error) bool {
	return errors.Is(err, mapping.ErrConfig) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrJobRunning) ||
		errors.Is(err, connectors.ErrConnectorNotFound)
}
