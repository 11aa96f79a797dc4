package main

import (
	"Go2NetGuard/internal/api"
	"Go2NetGuard/internal/block"
	"Go2NetGuard/internal/classifier"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/manager"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/features"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/notification"
	"Go2NetGuard/internal/persistent"
	"Go2NetGuard/internal/probe"
	"Go2NetGuard/internal/query"
	"Go2NetGuard/internal/rpc"
	"Go2NetGuard/internal/synthetic"
	"Go2NetGuard/internal/threat"
	"Go2NetGuard/pkg/pcap"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Engine exited with error")
	}
	log.Info("Shutdown complete.")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	cls := classifier.New(log)
	if err := cls.Load(cfg.Classifier.ModelPath); err != nil {
		log.WithError(err).WithField("path", cfg.Classifier.ModelPath).Error("No model loaded; packets will be labelled unknown until one is available")
	}

	intel, err := buildIntel(ctx, cfg.Threat, log)
	if err != nil {
		return err
	}
	agg, err := threat.NewAggregator(cfg.Threat, cfg.Classifier.DetectionThreshold, intel, log)
	if err != nil {
		return fmt.Errorf("failed to create threat aggregator: %w", err)
	}

	fw, err := block.NewFirewall(cfg.Block.Firewall.Type, cfg.Block.Firewall.Chain, log)
	if err != nil {
		return fmt.Errorf("failed to create firewall: %w", err)
	}
	blocker, err := block.NewController(block.OptionsFromConfig(cfg.Block), fw, nil, log)
	if err != nil {
		return fmt.Errorf("failed to create block controller: %w", err)
	}

	components := manager.Components{
		Classifier:     cls,
		Aggregator:     agg,
		Blocker:        blocker,
		PersistPackets: cfg.Persistence.PersistPackets,
	}
	if cfg.Persistence.Enabled {
		writer, err := factory.NewWriter(cfg.Persistence, log)
		if err != nil {
			return fmt.Errorf("failed to create %s writer: %w", cfg.Persistence.Writer, err)
		}
		components.Persistence = persistent.NewWorker(cfg.Persistence, writer, log)
	}
	if cfg.Events.Enabled {
		pub, err := notification.NewPublisher(cfg.Events, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		components.Observer = pub
	}

	mgr, err := manager.NewManager(cfg.Engine, components, log)
	if err != nil {
		return err
	}
	if components.Persistence != nil {
		components.Persistence.Start()
	}

	var querier query.Querier
	if cfg.Persistence.Enabled && cfg.Persistence.Writer == "clickhouse" {
		querier, err = query.NewClickHouseQuerier(cfg.Persistence.ClickHouse)
		if err != nil {
			log.WithError(err).Warn("History queries disabled")
			querier = nil
		}
	}

	source, closeSource, err := openSource(cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	g, ctx := errgroup.WithContext(ctx)
	mgr.Start(ctx)
	defer mgr.Stop()

	if cfg.Classifier.WatchModel {
		watcher := classifier.NewWatcher(cls, cfg.Classifier.ModelPath, log)
		watcher.OnReload(func(err error) { recordReload(mgr, cls, err) })
		g.Go(func() error { return watcher.Run(ctx) })
	}

	server := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           api.NewServer(mgr, blocker, querier, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("API server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.GRPC.ListenAddr != "" {
		health := rpc.NewServer(cls.Ready, 5*time.Second, log)
		g.Go(func() error { return health.Serve(ctx, cfg.GRPC.ListenAddr) })
	}

	g.Go(func() error {
		// Offline files are replayed without loss; live sources shed load.
		if err := mgr.Consume(ctx, source, cfg.Capture.Mode == "pcap"); err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		log.WithField("mode", cfg.Capture.Mode).Info("Capture source finished")
		return nil
	})

	log.WithFields(logrus.Fields{
		"capture":  cfg.Capture.Mode,
		"firewall": fw.Name(),
		"model":    cls.Version(),
	}).Info("Engine started")
	return g.Wait()
}

func buildIntel(ctx context.Context, cfg config.ThreatConfig, log *logrus.Logger) (threat.Intel, error) {
	var sources threat.MultiIntel
	if len(cfg.KnownBadAddresses) > 0 {
		static, err := threat.NewStaticIntel(cfg.KnownBadAddresses)
		if err != nil {
			return nil, fmt.Errorf("invalid known-bad list: %w", err)
		}
		log.WithField("entries", static.Len()).Info("Loaded static known-bad list")
		sources = append(sources, static)
	}
	if cfg.RedisIntel.Enabled {
		client, err := threat.DialRedis(ctx, cfg.RedisIntel.Addr, cfg.RedisIntel.Password, cfg.RedisIntel.DB)
		if err != nil {
			return nil, err
		}
		timeout := config.Duration(cfg.RedisIntel.Timeout, 50*time.Millisecond)
		sources = append(sources, threat.NewRedisIntel(client, cfg.RedisIntel.Key, timeout))
		log.WithFields(logrus.Fields{"addr": cfg.RedisIntel.Addr, "key": cfg.RedisIntel.Key}).Info("Using Redis known-bad set")
	}
	if len(sources) == 0 {
		return nil, nil
	}
	return sources, nil
}

func openSource(cfg *config.Config, log *logrus.Logger) (model.PacketSource, func(), error) {
	switch cfg.Capture.Mode {
	case "live":
		src, err := pcap.OpenLive(cfg.Capture, log)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case "pcap":
		src, err := pcap.OpenFile(cfg.Capture.PcapFile, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open pcap file: %w", err)
		}
		return src, src.Close, nil
	case "nats":
		sub, err := probe.NewSubscriber(cfg.Probe, log)
		if err != nil {
			return nil, nil, err
		}
		return sub, sub.Close, nil
	case "synthetic", "":
		return synthetic.New(cfg.Capture, uint64(time.Now().UnixNano()), log), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown capture mode: '%s'", cfg.Capture.Mode)
	}
}

func recordReload(mgr *manager.Manager, cls *classifier.Classifier, err error) {
	if err == nil {
		mgr.RecordEvent(model.SystemEvent{
			Level:     model.LevelInfo,
			Kind:      model.EventModelLoaded,
			Component: "classifier",
			Message:   fmt.Sprintf("Model %s reloaded from disk", cls.Version()),
		})
		return
	}
	kind := model.EventModelUnavailable
	var schemaErr *features.SchemaError
	if errors.As(err, &schemaErr) {
		kind = model.EventSchemaError
	}
	mgr.RecordEvent(model.SystemEvent{
		Level:     model.LevelError,
		Kind:      kind,
		Component: "classifier",
		Message:   fmt.Sprintf("Model reload rejected, keeping %q: %v", cls.Version(), err),
	})
}
