package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/notify"
	notifysinks "github.com/JakeFAU/crawl-orchestrator/internal/notify/sinks"
	memorystorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/task"
)

const crawlPollInterval = 100 * time.Millisecond

// CrawlOnce runs a single task in-process against in-memory stores and waits
// for it to finish. Canceling ctx stops the task cooperatively.
func CrawlOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, targets []string, taskCfg crawler.TaskConfig) (crawler.TaskView, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return crawler.TaskView{}, err
	}
	hub := notify.NewHub(notify.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger.Named("notify_hub"),
	}, notify.Route{
		Name:   "log",
		Sink:   notifysinks.NewLogSink(logger.Named("events")),
		Events: cfg.Notify.LogEvents,
	})

	mgr, err := task.NewManager(memorystorage.NewTaskStore(), memorystorage.NewResultStore(), engine.Pipeline, hub,
		uuid.New("task_"), system.New(), cfg.TaskManagerConfig(), logger.Named("tasks"))
	if err != nil {
		_ = hub.Close(context.Background())
		return crawler.TaskView{}, fmt.Errorf("task manager init failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			logger.Warn("task manager close failed", zap.Error(err))
		}
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("notification hub close failed", zap.Error(err))
		}
	}()

	id, err := mgr.Create(ctx, targets, taskCfg, 0)
	if err != nil {
		return crawler.TaskView{}, err
	}
	if err := mgr.Start(ctx, id); err != nil {
		return crawler.TaskView{}, err
	}

	ticker := time.NewTicker(crawlPollInterval)
	defer ticker.Stop()
	stopRequested := false
	for {
		view, err := mgr.Status(context.WithoutCancel(ctx), id)
		if err != nil {
			return crawler.TaskView{}, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		if ctx.Err() != nil && !stopRequested {
			logger.Info("interrupt received, stopping task", zap.String("task_id", id))
			if _, err := mgr.Stop(context.WithoutCancel(ctx), id); err != nil {
				return view, err
			}
			stopRequested = true
		}
		<-ticker.C
	}
}
