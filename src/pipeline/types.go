package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/recordbridge/recordbridge/src/consts"
	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/progress"
)

var (
	// ErrJobNotFound 迁移任务不存在
	ErrJobNotFound = errors.New("migration not found")
	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobRunning 迁移正在执行
	ErrJobRunning = errors.New("migration is running")
)

// Status 迁移任务状态
type Status string

const (
	StatusDraft        Status = "draft"
	StatusExtracting   Status = "extracting"
	StatusTransforming Status = "transforming"
	StatusLoading      Status = "loading"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// transitions 状态机，终态不接受任何迁移
var transitions = map[Status][]Status{
	StatusDraft:        {StatusExtracting, StatusCancelled},
	StatusExtracting:   {StatusTransforming, StatusFailed, StatusCancelled},
	StatusTransforming: {StatusLoading, StatusFailed, StatusCancelled},
	StatusLoading:      {StatusCompleted, StatusFailed, StatusCancelled},
}

// phaseOrder 运行阶段的先后顺序
var phaseOrder = map[Status]int{
	StatusDraft:        0,
	StatusExtracting:   1,
	StatusTransforming: 2,
	StatusLoading:      3,
	StatusCompleted:    4,
}

// ParseStatus 解析状态字符串
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusDraft, StatusExtracting, StatusTransforming, StatusLoading,
		StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal 终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsRunning 处于抽取、转换或加载阶段
func (s Status) IsRunning() bool {
	return s == StatusExtracting || s == StatusTransforming || s == StatusLoading
}

// CanTransition 判断是否允许从 s 迁移到 to，相同状态视为允许（无操作）
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// phaseStatus 批次阶段名对应的状态
func phaseStatus(phase string) Status {
	switch phase {
	case consts.PhaseTransforming:
		return StatusTransforming
	case consts.PhaseLoading:
		return StatusLoading
	default:
		return StatusExtracting
	}
}

// SourceRef 源端服务
type SourceRef struct {
	Service string `json:"service" yaml:"service"`
	Site    string `json:"site,omitempty" yaml:"site,omitempty"`
}

// TargetRef 目标服务
type TargetRef struct {
	Service string `json:"service" yaml:"service"`
	Site    string `json:"site,omitempty" yaml:"site,omitempty"`
}

// Join 多源合并：按 LocalField == ForeignField 为主记录匹配一条次级实体记录
type Join struct {
	Service      string `json:"service" yaml:"service"`
	Entity       string `json:"entity" yaml:"entity"`
	LocalField   string `json:"local_field" yaml:"local_field"`
	ForeignField string `json:"foreign_field" yaml:"foreign_field"`
}

// StepTotals 单个实体映射的累计计数，Index 为映射在迁移中的序号
type StepTotals struct {
	Index  int             `json:"index"`
	Step   string          `json:"step"`
	Counts progress.Counts `json:"counts"`
}

// Counters 迁移计数，每个 Counts 都满足 processed == succeeded + failed
type Counters struct {
	Extracting   progress.Counts `json:"extracting"`
	Transforming progress.Counts `json:"transforming"`
	Loading      progress.Counts `json:"loading"`
	Total        progress.Counts `json:"total"`
	Simulated    int64           `json:"simulated"`
	Steps        []StepTotals    `json:"steps"`
}

// step 按映射序号与名称返回步骤计数，不存在时追加
// 源与目标相同的两个映射名称一样，靠序号区分
func (c *Counters) step(index int, name string) *progress.Counts {
	for i := range c.Steps {
		if c.Steps[i].Index == index && c.Steps[i].Step == name {
			return &c.Steps[i].Counts
		}
	}
	c.Steps = append(c.Steps, StepTotals{Index: index, Step: name})
	return &c.Steps[len(c.Steps)-1].Counts
}

// BatchStats 一批记录的处理结果
type BatchStats struct {
	StepIndex  int           `json:"step_index"`
	Step       string        `json:"step"`
	Phase      string        `json:"phase"`
	Fetched    int64         `json:"fetched"`
	Invalid    int64         `json:"invalid"`
	Loaded     int64         `json:"loaded"`
	LoadFailed int64         `json:"load_failed"`
	Simulated  int64         `json:"simulated"`
	Retries    int64         `json:"retries"`
	Duration   time.Duration `json:"duration"`
}

// apply 把一批的结果累加到计数上
func (c *Counters) apply(b BatchStats) {
	valid := b.Fetched - b.Invalid

	c.Extracting.Processed += b.Fetched
	c.Extracting.Succeeded += b.Fetched

	c.Transforming.Processed += b.Fetched
	c.Transforming.Succeeded += valid
	c.Transforming.Failed += b.Invalid

	c.Loading.Processed += valid
	c.Loading.Succeeded += b.Loaded + b.Simulated
	c.Loading.Failed += b.LoadFailed

	c.Total.Processed += b.Fetched
	c.Total.Succeeded += b.Loaded + b.Simulated
	c.Total.Failed += b.Invalid + b.LoadFailed
	c.Simulated += b.Simulated

	s := c.step(b.StepIndex, b.Step)
	s.Processed += b.Fetched
	s.Succeeded += b.Loaded + b.Simulated
	s.Failed += b.Invalid + b.LoadFailed
}

func (c Counters) clone() Counters {
	c.Steps = append([]StepTotals(nil), c.Steps...)
	return c
}

// JobSpec 创建或修改迁移时由调用方提供的内容
type JobSpec struct {
	Name        string                  `json:"name" yaml:"name"`
	Description string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Sources     []SourceRef             `json:"sources" yaml:"sources"`
	Target      TargetRef               `json:"target" yaml:"target"`
	Mappings    []mapping.EntityMapping `json:"mappings" yaml:"mappings"`
	Joins       []Join                  `json:"joins,omitempty" yaml:"joins,omitempty"`
	DryRun      bool                    `json:"dry_run" yaml:"dry_run"`
	BatchSize   int                     `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// MigrationJob 迁移任务
type MigrationJob struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Description  string                  `json:"description,omitempty"`
	Sources      []SourceRef             `json:"sources"`
	Target       TargetRef               `json:"target"`
	Mappings     []mapping.EntityMapping `json:"mappings"`
	Joins        []Join                  `json:"joins,omitempty"`
	DryRun       bool                    `json:"dry_run"`
	BatchSize    int                     `json:"batch_size"`
	Status       Status                  `json:"status"`
	Counters     Counters                `json:"counters"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// Clone 深拷贝，调用方拿到的都是快照
func (j *MigrationJob) Clone() *MigrationJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Sources = append([]SourceRef(nil), j.Sources...)
	c.Joins = append([]Join(nil), j.Joins...)
	c.Mappings = make([]mapping.EntityMapping, len(j.Mappings))
	for i, m := range j.Mappings {
		m.FieldMappings = append([]mapping.FieldMapping(nil), m.FieldMappings...)
		c.Mappings[i] = m
	}
	c.Counters = j.Counters.clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// applySpec 用 spec 覆盖任务的可编辑字段
func (j *MigrationJob) applySpec(spec *JobSpec, defaultBatchSize int) {
	j.Name = spec.Name
	j.Description = spec.Description
	j.Sources = append([]SourceRef(nil), spec.Sources...)
	j.Target = spec.Target
	j.Mappings = append([]mapping.EntityMapping(nil), spec.Mappings...)
	j.Joins = append([]Join(nil), spec.Joins...)
	j.DryRun = spec.DryRun
	j.BatchSize = spec.BatchSize
	if j.BatchSize <= 0 {
		j.BatchSize = defaultBatchSize
	}
}

// transition 修改状态并维护时间戳，相同状态不做任何修改
func (j *MigrationJob) transition(to Status, now time.Time) error {
	if j.Status == to {
		return nil
	}
	if !j.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	if to == StatusExtracting && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.IsTerminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// advance 依次经过中间阶段到达 to，已越过的阶段不会回退
// 返回实际经过的每一次状态变化的起点
func (j *MigrationJob) advance(to Status, now time.Time) ([]Status, error) {
	var froms []Status
	for phaseOrder[j.Status] < phaseOrder[to] {
		var next Status
		switch j.Status {
		case StatusDraft:
			next = StatusExtracting
		case StatusExtracting:
			next = StatusTransforming
		case StatusTransforming:
			next = StatusLoading
		case StatusLoading:
			next = StatusCompleted
		default:
			return froms, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
		}
		from := j.Status
		if err := j.transition(next, now); err != nil {
			return froms, err
		}
		froms = append(froms, from)
	}
	return froms, nil
}

// JobFilter 列表过滤条件
type JobFilter struct {
	Status *Status // 状态过滤
	Limit  int     // 限制返回数量
	Offset int     // 偏移量
}
