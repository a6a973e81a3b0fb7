package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/recordbridge/recordbridge/src/cmd/recordbridge/internal/flag"
	"github.com/recordbridge/recordbridge/src/configs"
	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/consts"
	"github.com/recordbridge/recordbridge/src/instance"
	"github.com/recordbridge/recordbridge/src/log"
	"github.com/recordbridge/recordbridge/src/mapping"
	"github.com/recordbridge/recordbridge/src/metrics"
	"github.com/recordbridge/recordbridge/src/notify"
	"github.com/recordbridge/recordbridge/src/pipeline"
	"github.com/recordbridge/recordbridge/src/pkg/ratelimit"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
	"github.com/recordbridge/recordbridge/src/progress"
	"github.com/recordbridge/recordbridge/src/servers"
)

const closeTimeout = 15 * time.Second

func getConfig() (*configs.Config, error) {
	var config *configs.Config
	if *flag.Conf != "" {
		c, err := configs.NewConfigWithFile(*flag.Conf)
		if err != nil {
			return nil, err
		}
		if *flag.Debug {
			c.Debug = true
		}
		if *flag.Mapping != "" {
			c.RPC.Enable = false
		}
		config = c
	} else {
		config = flag.GenConfigFromFlags()
	}
	return config, config.Verify()
}

func newStore(cfg *configs.Config) (pipeline.Store, error) {
	if cfg.Store.Driver == configs.StoreMemory {
		return pipeline.NewMemoryStore(), nil
	}
	return pipeline.NewSQLiteStore(cfg.Store.Path)
}

// newInstance 组装连接器、结构目录、任务存储与迁移管理器
func newInstance(ctx context.Context, cfg *configs.Config) (*instance.Instance, error) {
	limiter := ratelimit.New()
	reg, err := connectors.NewFromConfig(cfg, limiter)
	if err != nil {
		return nil, err
	}

	catalog, err := connectors.NewCatalog()
	if err != nil {
		return nil, err
	}
	for _, file := range cfg.Schemas.Files {
		if err := catalog.LoadFile(file); err != nil {
			return nil, fmt.Errorf("load schema file %s: %w", file, err)
		}
	}
	schemas := connectors.NewCachedProvider(catalog, cfg.Schemas.CacheSize, 0)

	store, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	pm := pipeline.NewManager(ctx, store, reg, schemas, pipeline.NewManagerConfig(cfg))
	collector := metrics.New()
	pm.AddObserver(collector)

	return &instance.Instance{
		Config:      cfg,
		Connectors:  reg,
		RateLimiter: limiter,
		Catalog:     catalog,
		Schemas:     schemas,
		Manager:     pm,
		Metrics:     collector,
	}, nil
}

// runOnce 执行映射文件描述的迁移，结束后把任务以 JSON 输出到 stdout
func runOnce(ctx context.Context, inst *instance.Instance, path string, dryRun bool) error {
	file, err := mapping.LoadFile(path)
	if err != nil {
		return err
	}
	pm := inst.Manager
	job, err := pm.Create(ctx, pipeline.JobSpec{
		Name:        file.Name,
		Description: file.Description,
		Mappings:    file.EntityMappings,
		DryRun:      dryRun,
	})
	if err != nil {
		return err
	}

	stream := pm.Subscribe(job.ID)
	defer stream.Close()
	if err := pm.Run(ctx, job.ID); err != nil {
		return err
	}
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			break
		}
		if ev.Type == progress.EventKeepalive {
			continue
		}
		entry := inst.Logger.WithField("migration_id", job.ID).WithField("event", ev.Type)
		if ev.Counts != nil {
			entry = entry.WithField("processed", ev.Counts.Processed).
				WithField("succeeded", ev.Counts.Succeeded).
				WithField("failed", ev.Counts.Failed)
		}
		entry.Info(ev.Message)
	}
	if err := pm.Wait(ctx, job.ID); err != nil {
		return err
	}

	job, err = pm.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if job.Status != pipeline.StatusCompleted {
		return fmt.Errorf("migration %s finished with status %s", job.ID, job.Status)
	}
	return nil
}

func main() {
	flag.Parse(os.Args[1:])

	if *flag.EnvFile != "" {
		if err := godotenv.Load(*flag.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *flag.EnvFile, err)
		}
	}

	config, err := getConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if *flag.PrintConfig {
		b, err := config.MarshalCommented()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(b)
		return
	}
	configs.SetCurrentConfig(config)

	// DSN 优先取配置文件，其次是环境变量 SENTRY_DSN
	sentryDSN := config.Sentry.DSN
	if sentryDSN == "" {
		sentryDSN = os.Getenv("SENTRY_DSN")
	}
	environment := config.Sentry.Environment
	if config.Debug {
		environment = "development"
	}
	if err := rbsentry.Init(sentryDSN, environment, consts.AppVersion); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init sentry: %v\n", err)
	}
	defer rbsentry.Flush(2 * time.Second)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	logger, err := log.New(rootCtx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	logger.Infof("%s Version: %s Link Start", consts.AppName, consts.AppVersion)
	logger.Debugf("%+v", consts.GetAppInfo())

	inst, err := newInstance(rootCtx, config)
	if err != nil {
		logger.WithError(err).Fatal("failed to init")
	}
	inst.Logger = logger
	ctx := instance.WithInstance(rootCtx, inst)

	notifier := notify.New(config)
	if notifier != nil {
		inst.Manager.AddObserver(notifier)
	}
	if err := inst.Manager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start migration manager")
	}

	shutdown := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if inst.Server != nil {
			inst.Server.Close(closeCtx)
		}
		inst.Manager.Close(closeCtx)
		if notifier != nil {
			notifier.Wait()
		}
		rootCancel()
		logger.Info("Shutdown complete")
	}

	if *flag.Mapping != "" {
		err := runOnce(ctx, inst, *flag.Mapping, *flag.DryRun)
		shutdown()
		if err != nil {
			logger.WithError(err).Error("migration failed")
			rbsentry.Flush(2 * time.Second)
			os.Exit(1)
		}
		return
	}

	if config.RPC.Enable {
		if err := servers.NewServer(ctx).Start(ctx); err != nil {
			logger.WithError(err).Fatal("failed to init server")
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	inst.WaitGroup.Add(1)
	rbsentry.Go(func() {
		defer inst.WaitGroup.Done()
		<-c
		logger.Info("Received shutdown signal, closing...")
		shutdown()
	})

	inst.WaitGroup.Wait()
}
