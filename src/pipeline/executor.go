package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/consts"
	"github.com/recordbridge/recordbridge/src/mapping"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
	"github.com/recordbridge/recordbridge/src/progress"
	"github.com/recordbridge/recordbridge/src/transform"
	"github.com/recordbridge/recordbridge/src/validator"
)

// errCancelled 循环在批次边界发现取消标记
var errCancelled = errors.New("migration cancelled")

// execution 单个迁移的执行状态，只在迁移协程内访问
type execution struct {
	m          *Manager
	job        *MigrationJob
	run        *run
	extractors map[string]connectors.Extractor
	loaders    map[string]connectors.Loader
	joins      []*joinIndex
	log        *logrus.Entry
}

// joinIndex 次级实体按 ForeignField 建立的索引，首次使用时整体抽取
type joinIndex struct {
	Join
	extractor connectors.Extractor
	built     bool
	records   map[string]*mapping.SourceRecord
}

// matches 字段的 source_tag 与次级源的服务名或实体名相同
func (j *joinIndex) matches(tag string) bool {
	return strings.EqualFold(j.Service, tag) || strings.EqualFold(j.Entity, tag)
}

// execute 迁移协程入口
func (x *execution) execute(ctx context.Context) {
	defer x.m.finish(x.job.ID)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in migration loop: %v", r)
			rbsentry.CaptureExceptionWithTags(err, map[string]string{"migration_id": x.job.ID})
			x.fail(err)
		}
	}()

	start := time.Now()
	err := x.loop(ctx)
	switch {
	case err == nil:
		x.complete()
		x.log.WithField("duration", time.Since(start).String()).Info("migration completed")
	case errors.Is(err, errCancelled) || ctx.Err() != nil:
		x.cancelled()
		x.log.Info("migration cancelled")
	default:
		x.log.WithError(err).Error("migration failed")
		rbsentry.CaptureExceptionWithTags(err, map[string]string{
			"migration_id":   x.job.ID,
			"target_service": x.job.Target.Service,
		})
		x.fail(err)
	}
}

// checkCancelled 批次边界检查取消标记与管理器退出
func (x *execution) checkCancelled(ctx context.Context) error {
	if x.run.cancelled.Load() || ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

// loop 依次执行各实体映射，取消只在每批开始前检查，最后一批完成后到达的取消不再生效
func (x *execution) loop(ctx context.Context) error {
	for i := range x.job.Mappings {
		em := &x.job.Mappings[i]
		if err := x.step(ctx, i, em); err != nil {
			return err
		}
	}
	return nil
}

// step 处理第 index 个实体映射的全部批次
func (x *execution) step(ctx context.Context, index int, em *mapping.EntityMapping) error {
	stepName := em.StepName()
	log := x.log.WithField("step", stepName)

	schema, err := x.schema(ctx, em)
	if err != nil {
		return err
	}
	if err := x.buildJoins(ctx, em); err != nil {
		return err
	}

	extractor := x.extractors[em.SourceService]
	loader := x.loaders[em.TargetService]
	x.job.Counters.step(index, stepName)

	cursor := ""
	for {
		if err := x.checkCancelled(ctx); err != nil {
			return err
		}
		batch, err := extractor.FetchBatch(ctx, em.SourceEntity, cursor, x.job.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return errCancelled
			}
			return fmt.Errorf("fetch %s.%s: %w", em.SourceService, em.SourceEntity, err)
		}
		if batch == nil || len(batch.Records) == 0 {
			break
		}

		stats, err := x.processBatch(ctx, index, em, schema, loader, batch)
		if err != nil {
			return err
		}
		x.job.Counters.apply(stats)
		x.job.UpdatedAt = x.m.now()
		x.persist()

		total := x.job.Counters.Total
		x.emit(progress.NewProgress(stats.Phase, total, batch.Total, fmt.Sprintf(
			"%s: %d fetched, %d invalid, %d loaded, %d failed, %d simulated",
			stepName, stats.Fetched, stats.Invalid, stats.Loaded, stats.LoadFailed, stats.Simulated)))
		x.m.notifyBatch(x.job, stats)

		log.WithFields(logrus.Fields{
			"fetched":     stats.Fetched,
			"invalid":     stats.Invalid,
			"loaded":      stats.Loaded,
			"load_failed": stats.LoadFailed,
			"retries":     stats.Retries,
		}).Debug("batch processed")

		if batch.NextCursor == "" {
			break
		}
		cursor = batch.NextCursor
	}

	x.emit(progress.NewStepComplete(stepName, *x.job.Counters.step(index, stepName)))
	log.Info("step completed")
	return nil
}

// schema 查询目标实体结构，不存在时跳过结构校验
func (x *execution) schema(ctx context.Context, em *mapping.EntityMapping) (*mapping.EntitySchema, error) {
	if x.m.schemas == nil {
		return nil, nil
	}
	schema, err := x.m.schemas.GetSchema(ctx, em.TargetService, em.TargetEntity)
	if errors.Is(err, connectors.ErrSchemaNotFound) {
		x.log.WithFields(logrus.Fields{
			"service": em.TargetService,
			"entity":  em.TargetEntity,
		}).Warn("no schema for target entity, skipping schema validation")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema %s.%s: %w", em.TargetService, em.TargetEntity, err)
	}
	return schema, nil
}

// processBatch 转换、校验并加载一批记录，返回的错误都是致命错误
func (x *execution) processBatch(ctx context.Context, index int, em *mapping.EntityMapping, schema *mapping.EntitySchema, loader connectors.Loader, batch *connectors.Batch) (BatchStats, error) {
	start := time.Now()
	stats := BatchStats{
		StepIndex: index,
		Step:      em.StepName(),
		Phase:     consts.PhaseExtracting,
		Fetched:   int64(len(batch.Records)),
	}

	x.advance(StatusTransforming)
	stats.Phase = consts.PhaseTransforming
	results, err := x.transformBatch(em, schema, batch.Records)
	if err != nil {
		return stats, err
	}

	valid := make([]*mapping.TransformedRecord, 0, len(results))
	for _, r := range results {
		if r.IsValid() {
			valid = append(valid, r)
		} else {
			stats.Invalid++
		}
	}

	if len(valid) > 0 {
		x.advance(StatusLoading)
		stats.Phase = consts.PhaseLoading
		if x.job.DryRun {
			stats.Simulated = int64(len(valid))
		} else {
			loaded, failed, retries, err := x.loadChunks(ctx, loader, em.TargetEntity, valid)
			if err != nil {
				if ctx.Err() != nil {
					return stats, errCancelled
				}
				return stats, fmt.Errorf("load %s.%s: %w", em.TargetService, em.TargetEntity, err)
			}
			stats.Loaded, stats.LoadFailed, stats.Retries = loaded, failed, retries
		}
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// transformBatch 并发转换与校验，结果保持源记录顺序
func (x *execution) transformBatch(em *mapping.EntityMapping, schema *mapping.EntitySchema, records []*mapping.SourceRecord) ([]*mapping.TransformedRecord, error) {
	results := make([]*mapping.TransformedRecord, len(records))
	joins := x.joinsFor(em)

	var g errgroup.Group
	g.SetLimit(x.m.config.TransformWorkers)
	for i, rec := range records {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("transform record %s: panic: %v", rec.ID, r)
				}
			}()
			inputs := []*mapping.SourceRecord{rec}
			for _, j := range joins {
				if joined := j.lookup(rec); joined != nil {
					inputs = append(inputs, joined)
				}
			}
			out := x.m.engine.TransformJoined(inputs, em)
			validator.Validate(out, schema)
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type chunkResult struct {
	loaded, failed, retries int64
}

// loadChunks 按 LoadChunkSize 切分后并发加载，并发数受 LoadWorkers 限制
func (x *execution) loadChunks(ctx context.Context, loader connectors.Loader, entity string, records []*mapping.TransformedRecord) (int64, int64, int64, error) {
	size := x.m.config.LoadChunkSize
	var chunks [][]*mapping.TransformedRecord
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}

	results := make([]chunkResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.m.config.LoadWorkers)
	for i, chunk := range chunks {
		g.Go(func() error {
			r, err := x.loadWithRetry(gctx, loader, entity, chunk)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, 0, err
	}

	var loaded, failed, retries int64
	for _, r := range results {
		loaded += r.loaded
		failed += r.failed
		retries += r.retries
	}
	return loaded, failed, retries, nil
}

// loadWithRetry 加载一组记录，只重试失败的记录
// LoadBatch 返回的 error 视为连接器级致命错误，不重试
func (x *execution) loadWithRetry(ctx context.Context, loader connectors.Loader, entity string, records []*mapping.TransformedRecord) (chunkResult, error) {
	var res chunkResult
	pending := records
	for attempt := 0; ; attempt++ {
		outcomes, err := loader.LoadBatch(ctx, entity, pending)
		if err != nil {
			return res, err
		}
		failed, reasons := failedRecords(pending, outcomes)
		res.loaded += int64(len(pending) - len(failed))
		if len(failed) == 0 {
			return res, nil
		}
		if attempt >= x.m.config.MaxRetries {
			res.failed += int64(len(failed))
			x.log.WithFields(logrus.Fields{
				"entity":  entity,
				"failed":  len(failed),
				"reasons": reasons,
			}).Warn("records failed to load after retries")
			return res, nil
		}
		res.retries++
		if err := x.m.sleep(ctx, x.m.backoff(attempt)); err != nil {
			return res, err
		}
		pending = failed
	}
}

// backoff 第 attempt 次重试前的等待时间
func (m *Manager) backoff(attempt int) time.Duration {
	base, limit := m.config.RetryBaseDelay, m.config.RetryMaxDelay
	if base <= 0 {
		return 0
	}
	d := base << attempt
	if d <= 0 || (limit > 0 && d > limit) {
		return limit
	}
	return d
}

// failedRecords 按 RecordID 匹配加载结果，缺少结果的记录视为失败
func failedRecords(records []*mapping.TransformedRecord, outcomes []connectors.LoadOutcome) ([]*mapping.TransformedRecord, map[string]string) {
	byID := make(map[string][]connectors.LoadOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.RecordID] = append(byID[o.RecordID], o)
	}
	var failed []*mapping.TransformedRecord
	reasons := make(map[string]string)
	for _, rec := range records {
		queue := byID[rec.SourceID]
		if len(queue) == 0 {
			failed = append(failed, rec)
			reasons[rec.SourceID] = "no outcome reported"
			continue
		}
		o := queue[0]
		byID[rec.SourceID] = queue[1:]
		if !o.Loaded {
			failed = append(failed, rec)
			reasons[rec.SourceID] = o.Reason
		}
	}
	return failed, reasons
}

// joinsFor 返回映射中 source_tag 引用到的次级源
func (x *execution) joinsFor(em *mapping.EntityMapping) []*joinIndex {
	var out []*joinIndex
	for _, j := range x.joins {
		for _, fm := range em.FieldMappings {
			if fm.SourceTag != "" && j.matches(fm.SourceTag) {
				out = append(out, j)
				break
			}
		}
	}
	return out
}

// buildJoins 抽取映射需要的次级实体并建立索引
func (x *execution) buildJoins(ctx context.Context, em *mapping.EntityMapping) error {
	for _, j := range x.joinsFor(em) {
		if j.built {
			continue
		}
		j.records = make(map[string]*mapping.SourceRecord)
		cursor := ""
		for {
			if err := x.checkCancelled(ctx); err != nil {
				return err
			}
			batch, err := j.extractor.FetchBatch(ctx, j.Entity, cursor, x.job.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return errCancelled
				}
				return fmt.Errorf("fetch join %s.%s: %w", j.Service, j.Entity, err)
			}
			if batch == nil || len(batch.Records) == 0 {
				break
			}
			for _, rec := range batch.Records {
				if v, ok := transform.Lookup(rec.Data, j.ForeignField); ok && v != nil {
					key := fmt.Sprint(v)
					if _, dup := j.records[key]; !dup {
						j.records[key] = rec
					}
				}
			}
			if batch.NextCursor == "" {
				break
			}
			cursor = batch.NextCursor
		}
		j.built = true
		x.log.WithFields(logrus.Fields{
			"service": j.Service,
			"entity":  j.Entity,
			"records": len(j.records),
		}).Debug("join index built")
	}
	return nil
}

// lookup 查找主记录对应的次级记录
func (j *joinIndex) lookup(rec *mapping.SourceRecord) *mapping.SourceRecord {
	v, ok := transform.Lookup(rec.Data, j.LocalField)
	if !ok || v == nil {
		return nil
	}
	return j.records[fmt.Sprint(v)]
}

// advance 推进运行阶段并持久化，已到达的阶段不会回退
func (x *execution) advance(to Status) {
	froms, err := x.job.advance(to, x.m.now())
	if err != nil {
		x.log.WithError(err).Warn("failed to advance migration phase")
		return
	}
	if len(froms) == 0 {
		return
	}
	x.persist()
	x.notifyWalk(froms)
}

// notifyWalk 依次通知经过的每一次状态变化
func (x *execution) notifyWalk(froms []Status) {
	final := x.job.Status
	for i, from := range froms {
		snapshot := x.job.Clone()
		if i+1 < len(froms) {
			snapshot.Status = froms[i+1]
		} else {
			snapshot.Status = final
		}
		for _, o := range x.m.observers {
			o.OnStatusChange(snapshot, from)
		}
	}
}

func (x *execution) persist() {
	// 管理器退出时请求上下文已取消，最终状态仍需写入
	if err := x.m.store.UpdateJob(context.WithoutCancel(x.m.ctx), x.job); err != nil {
		x.log.WithError(err).Error("failed to persist migration")
	}
}

// emit 广播事件，取消请求被确认后不再发出任何事件
func (x *execution) emit(ev progress.Event) {
	if x.run.cancelled.Load() {
		return
	}
	x.m.broadcaster.Broadcast(x.job.ID, ev)
}

func (x *execution) complete() {
	froms, err := x.job.advance(StatusCompleted, x.m.now())
	if err != nil {
		x.fail(err)
		return
	}
	x.persist()
	x.notifyWalk(froms)
	// 最后一批之后才到的取消不生效，订阅者仍需收到完成事件
	x.m.broadcaster.Broadcast(x.job.ID, progress.NewComplete(x.job.Counters.Total, x.job.Counters.Simulated))
	x.m.broadcaster.Close(x.job.ID)
}

func (x *execution) fail(cause error) {
	from := x.job.Status
	x.job.ErrorMessage = cause.Error()
	if err := x.job.transition(StatusFailed, x.m.now()); err != nil {
		x.log.WithError(err).Error("failed to mark migration as failed")
		return
	}
	x.persist()
	x.m.notifyStatus(x.job, from)
	x.emit(progress.NewError(cause.Error()))
	x.m.broadcaster.Close(x.job.ID)
}

func (x *execution) cancelled() {
	from := x.job.Status
	if err := x.job.transition(StatusCancelled, x.m.now()); err != nil {
		x.log.WithError(err).Error("failed to mark migration as cancelled")
		return
	}
	x.persist()
	x.m.notifyStatus(x.job, from)
	x.m.broadcaster.Close(x.job.ID)
}
