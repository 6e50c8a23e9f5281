// Package main wires the control plane together: the document store and
// its indexes, the schema registry, the review/promotion pipeline, the
// catalog and lineage services, and the observability core with its
// background loops (SLA evaluation, freshness sweeps, staging cleanup,
// orphan reaping, and the async bulk-job worker).
//
// The HTTP/WebSocket surface is an external collaborator; this process
// hosts the services, the background tasks, and the Prometheus endpoint.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atlas.crawlops.org/catalog"
	"atlas.crawlops.org/common"
	"atlas.crawlops.org/config"
	"atlas.crawlops.org/db"
	"atlas.crawlops.org/lineage"
	"atlas.crawlops.org/notification"
	"atlas.crawlops.org/observability"
	"atlas.crawlops.org/promotion"
	qredis "atlas.crawlops.org/queue/redis"
	"atlas.crawlops.org/review"
	"atlas.crawlops.org/schema"
	"atlas.crawlops.org/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		common.Logger.Fatalf("configuration error: %v", err)
	}
	common.SetLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := db.ConnectMongo(ctx, db.MongoConfig{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		common.Logger.Fatalf("document store unavailable: %v", err)
	}
	defer store.Close(context.Background())

	if err := store.EnsureIndexes(ctx); err != nil {
		common.Logger.Fatalf("index creation failed: %v", err)
	}

	storeService := db.NewStoreService(store)

	var notifier notification.Notifier = notification.NopNotifier{}
	sinks := map[string]notification.Notifier{}
	if cfg.WebhookURL != "" {
		sinks["webhook"] = notification.NewWebhookNotifier(cfg.WebhookURL)
	}
	if cfg.AMQPURL != "" {
		amqpNotifier, err := notification.NewAMQPNotifier(cfg.AMQPURL, "crawlplane.alerts")
		if err != nil {
			common.Logger.Warnf("AMQP notifier unavailable: %v", err)
		} else {
			defer amqpNotifier.Close()
			sinks["amqp"] = amqpNotifier
		}
	}
	if len(sinks) > 0 {
		notifier = notification.NewMultiNotifier(sinks)
	}

	registry := schema.NewRegistry(store)
	promotionService := promotion.NewService(store)
	reviewService := review.NewService(store, promotionService)
	catalogService := catalog.NewCatalog(store)
	lineageService := lineage.NewService(store, catalogService)
	collector := observability.NewCollector(store)
	alertEngine := observability.NewAlertEngine(store, notifier)
	slaMonitor := observability.NewSLAMonitor(store, notifier)
	freshnessTracker := observability.NewFreshnessTracker(store, notifier)
	dashboard := observability.NewDashboard(store, collector, freshnessTracker, alertEngine)

	var trigger workflow.Trigger = workflow.NewAirflowClient(cfg.AirflowURL, cfg.AirflowUser, cfg.AirflowPass)

	// The HTTP adapter (out of process) consumes this service set; the
	// wiring here is what it binds against.
	services := &controlPlane{
		store:     storeService,
		registry:  registry,
		promotion: promotionService,
		reviews:   reviewService,
		catalog:   catalogService,
		lineage:   lineageService,
		collector: collector,
		alerts:    alertEngine,
		sla:       slaMonitor,
		freshness: freshnessTracker,
		dashboard: dashboard,
		trigger:   trigger,
	}
	services.logStartup(ctx)

	if cfg.RulesFile != "" {
		if n, err := alertEngine.LoadRulesFromFile(ctx, cfg.RulesFile); err != nil {
			common.Logger.Warnf("alert rule bootstrap failed: %v", err)
		} else if n > 0 {
			common.Logger.WithField("created", n).Info("alert rules bootstrapped")
		}
	}
	if cfg.SLAFile != "" {
		if n, err := slaMonitor.LoadSLAsFromFile(ctx, cfg.SLAFile); err != nil {
			common.Logger.Warnf("SLA bootstrap failed: %v", err)
		} else if n > 0 {
			common.Logger.WithField("created", n).Info("SLA definitions bootstrapped")
		}
	}

	if _, err := catalogService.RegisterExistingCollections(ctx); err != nil {
		common.Logger.Warnf("catalog auto-registration failed: %v", err)
	}

	go observability.ServeMetrics(cfg.MetricsAddr)

	// Background maintenance loops.
	go runEvery(ctx, cfg.SweepInterval, "sla-evaluation", func(ctx context.Context) error {
		_, err := slaMonitor.EvaluateAll(ctx)
		return err
	})
	go runEvery(ctx, cfg.SweepInterval, "freshness-sweep", func(ctx context.Context) error {
		_, err := freshnessTracker.CheckAll(ctx)
		return err
	})
	go runEvery(ctx, 24*time.Hour, "staging-cleanup", func(ctx context.Context) error {
		_, err := promotionService.CleanupOldStaging(ctx, cfg.StagingTTL)
		return err
	})
	go runEvery(ctx, 24*time.Hour, "orphan-reap", func(ctx context.Context) error {
		_, err := storeService.ReapOrphans(ctx)
		return err
	})
	go runEvery(ctx, 12*time.Hour, "freshness-autoconfig", func(ctx context.Context) error {
		_, err := freshnessTracker.AutoConfigure(ctx)
		return err
	})

	// Async bulk-job worker over the Redis queue.
	if cfg.RedisURL != "" {
		queue, err := qredis.NewQueue(ctx, qredis.Config{RedisURL: cfg.RedisURL})
		if err != nil {
			common.Logger.Warnf("bulk job queue unavailable: %v", err)
		} else {
			defer queue.Close()
			go runBulkJobWorker(ctx, queue, reviewService)
		}
	}

	common.Logger.Info("control plane started")
	<-ctx.Done()
	common.Logger.Info("control plane shutting down")
}

// controlPlane is the assembled service set the request adapters bind
// against.
type controlPlane struct {
	store     *db.StoreService
	registry  *schema.Registry
	promotion *promotion.Service
	reviews   *review.Service
	catalog   *catalog.Catalog
	lineage   *lineage.Service
	collector *observability.Collector
	alerts    *observability.AlertEngine
	sla       *observability.SLAMonitor
	freshness *observability.FreshnessTracker
	dashboard *observability.Dashboard
	trigger   workflow.Trigger
}

func (c *controlPlane) logStartup(ctx context.Context) {
	health := c.store.HealthCheck(ctx)
	entry := common.Logger.WithField("store_status", health.Status).
		WithField("database", health.Database)

	if sources, err := c.registry.ListSources(ctx); err == nil {
		entry = entry.WithField("schema_sources", len(sources))
	}
	if summary, err := c.dashboard.ExecutiveSummary(ctx); err == nil {
		entry = entry.WithField("health_score", summary["health_score"])
	}
	entry.Info("service wiring complete")
}

// runEvery runs task immediately and then on every tick until ctx ends.
func runEvery(ctx context.Context, interval time.Duration, name string, task func(context.Context) error) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			common.Logger.WithField("task", name).Errorf("background task failed: %v", err)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// runBulkJobWorker drains the queue, executing each job under its
// tracked job record. Failed jobs are retried twice before being marked
// failed.
func runBulkJobWorker(ctx context.Context, queue *qredis.Queue, reviews *review.Service) {
	for ctx.Err() == nil {
		job, err := queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() == nil {
				common.Logger.Warnf("bulk job dequeue failed: %v", err)
			}
			continue
		}
		if job == nil {
			continue
		}

		var opErr error
		switch job.Operation {
		case "approve":
			_, opErr = reviews.RunBulkApproveJob(ctx, job.JobID, job.ReviewIDs, job.ReviewerID, job.Comment)
		case "reject":
			result := reviews.BulkReject(ctx, job.ReviewIDs, job.ReviewerID, job.Reason, job.Comment)
			opErr = reviews.UpdateBulkJob(ctx, job.JobID, result.Total, result.Success, result.Failed, "completed", "", result)
		default:
			common.Logger.WithField("operation", job.Operation).Warn("unknown bulk job operation")
		}

		if opErr != nil {
			if job.RetryCount < 2 {
				if err := queue.Requeue(ctx, job); err != nil {
					common.Logger.Errorf("bulk job requeue failed: %v", err)
				}
				continue
			}
			if err := reviews.UpdateBulkJob(ctx, job.JobID, 0, 0, 0, "failed", opErr.Error(), nil); err != nil {
				common.Logger.Errorf("bulk job failure update failed: %v", err)
			}
		}

		if err := queue.Ack(ctx, job); err != nil {
			common.Logger.Warnf("bulk job ack failed: %v", err)
		}
	}
}
