package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/probe"
	"Go2NetGuard/pkg/pcap"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "Path to the YAML configuration file.")
	mode := flag.String("mode", "sub", "Operating mode: 'pub' to capture and publish, 'sub' to subscribe and print.")
	iface := flag.String("iface", "", "Interface to capture packets from; overrides capture.interface in pub mode.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		if *iface != "" {
			cfg.Capture.Interface = *iface
		}
		err = runProbe(ctx, cfg, log)
	case "sub":
		err = runSubscriber(ctx, cfg.Probe, log)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.WithError(err).Fatal("Probe failed")
	}
	log.Info("Shutdown signal received, cleaned up.")
}

// runProbe captures packets and publishes their records to NATS.
func runProbe(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	pub, err := probe.NewPublisher(cfg.Probe, log)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer pub.Close()

	src, err := pcap.OpenLive(cfg.Capture, log)
	if err != nil {
		return err
	}
	defer src.Close()

	log.WithField("interface", cfg.Capture.Interface).Info("Capture started. Publishing packets to NATS...")
	published := 0
	return src.Run(ctx, func(rec model.PacketRecord) {
		if err := pub.Publish(rec); err != nil {
			log.WithError(err).Warn("Failed to publish packet")
			return
		}
		published++
		if published%1000 == 0 {
			log.Infof("%d packets published...", published)
		}
	})
}

// runSubscriber prints every record received from the probe subject.
func runSubscriber(ctx context.Context, cfg config.ProbeConfig, log *logrus.Logger) error {
	sub, err := probe.NewSubscriber(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	defer sub.Close()

	log.WithField("subject", cfg.Subject).Info("Listening for packets...")
	return sub.Run(ctx, func(rec model.PacketRecord) {
		log.Infof("Received packet: %s", rec.FiveTuple)
	})
}
