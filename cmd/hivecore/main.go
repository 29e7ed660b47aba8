// HiveCore - inference worker fleet proxy and dispatcher
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hivecore/hivecore/internal/admin"
	"github.com/hivecore/hivecore/internal/config"
	"github.com/hivecore/hivecore/internal/intake"
	"github.com/hivecore/hivecore/internal/keystore"
	"github.com/hivecore/hivecore/internal/metrics"
	"github.com/hivecore/hivecore/internal/monitor"
	"github.com/hivecore/hivecore/internal/queue"
	"github.com/hivecore/hivecore/internal/ratelimit"
	"github.com/hivecore/hivecore/internal/worker"
)

const appVersion = "hivecore v0.1.0"

func main() {
	cfgFile := flag.String("config", "hivecore.ini", "Path to configuration file")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		os.Exit(0)
	}

	log := newLogger()
	defer log.Sync()
	sugar := log.Sugar()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		sugar.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	keys, err := keystore.Open(cfg.DatabaseURL, sugar)
	if err != nil {
		sugar.Errorf("failed to open key store: %v", err)
		os.Exit(1)
	}
	defer keys.Close()

	mx := metrics.NewCollector()
	mx.AttachPrometheus(metrics.InitPrometheus("hivecore"))

	q := queue.New()
	roster := worker.NewRoster(mx)

	mon := monitor.New(monitor.Config{
		Period:         500 * time.Millisecond,
		PollingTimeout: cfg.PollingTimeout,
		WorkingTimeout: cfg.WorkingTimeout,
	}, roster, q, sugar, mx)

	var rl *ratelimit.Limiter
	if cfg.RateLimiting {
		rl = ratelimit.NewLimiter(ratelimit.Config{
			Enabled:                 true,
			MaxConnectionsPerIP:     cfg.MaxConnectionsPerIP,
			MaxConnectionsPerMinute: cfg.MaxConnectionsPerMinute,
			BanDuration:             cfg.BanDuration,
		})
	}

	in := intake.NewServer(intake.Config{
		Addr:           fmt.Sprintf(":%d", cfg.ProxyPort),
		AuthEnabled:    cfg.UserAuthentication,
		ReadTimeout:    cfg.ProxyTimeout,
		MaxConnections: cfg.MaxConnections,
	}, q, keys, rl, sugar, mx)

	nodes := worker.NewServer(worker.ServerConfig{
		Addr:           fmt.Sprintf(":%d", cfg.NodePort),
		MaxConnections: cfg.MaxConnections,
		Session: worker.Config{
			ExceptionThreshold: cfg.ExceptionThreshold,
			ChunkBufferSize:    cfg.ChunkBufferSize,
		},
	}, roster, q, keys, sugar, mx)

	mgmt := admin.NewServer(fmt.Sprintf(":%d", cfg.ManagementPort), roster, q, keys, sugar, mx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)
	go func() { errCh <- in.Run(ctx) }()
	go func() { errCh <- nodes.Run(ctx) }()
	go func() { errCh <- mgmt.Run(ctx) }()
	go mon.Run(ctx)
	go reportLoop(ctx, sugar, mx, 60*time.Second)

	select {
	case err := <-errCh:
		if err != nil {
			sugar.Errorf("listener error: %v", err)
			cancel()
			os.Exit(1)
		}
	case <-sigCh:
	}

	sugar.Infof("shutting down...")
	cancel()
	time.Sleep(2 * time.Second)
	sugar.Infof("shutdown complete")
}

// newLogger builds the console logger used across the proxy.
func newLogger() *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// reportLoop logs a periodic summary of proxy activity.
func reportLoop(ctx context.Context, log *zap.SugaredLogger, mx *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := mx.Snapshot()
			log.Infof("periodic report workers=%d queued=%d proxied=%d rejected=%d failures=%d",
				snap.WorkersActive, snap.QueueDepth, snap.TasksProxied, snap.TasksRejected, snap.ProxyFailures)
		}
	}
}
