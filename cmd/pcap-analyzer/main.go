package main

import (
	"Go2NetGuard/internal/block"
	"Go2NetGuard/internal/classifier"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/manager"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/threat"
	"Go2NetGuard/pkg/pcap"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
)

// tally counts threats per attack type as the manager publishes them.
type tally struct {
	mu      sync.Mutex
	attacks map[string]int
	events  map[model.EventKind]int
}

func (t *tally) PublishThreat(ev model.ThreatEvent) {
	t.mu.Lock()
	t.attacks[ev.AttackType]++
	t.mu.Unlock()
}

func (t *tally) PublishEvent(ev model.SystemEvent) {
	t.mu.Lock()
	t.events[ev.Kind]++
	t.mu.Unlock()
}

func main() {
	// 1. Get pcap file path from command-line arguments
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/pcap-analyzer/main.go <path_to_pcap_file> [config]")
		os.Exit(1)
	}
	pcapFilePath := os.Args[1]
	configPath := "configs/config.yaml"
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	// 2. Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	log.Info("Configuration loaded successfully.")

	// 3. Initialize modules. Replays never touch the host firewall.
	cls := classifier.New(log)
	if err := cls.Load(cfg.Classifier.ModelPath); err != nil {
		log.WithError(err).Fatal("Failed to load model")
	}
	agg, err := threat.NewAggregator(cfg.Threat, cfg.Classifier.DetectionThreshold, nil, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create threat aggregator")
	}
	blocker, err := block.NewController(block.OptionsFromConfig(cfg.Block), block.NewNoopFirewall(log), nil, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create block controller")
	}
	counts := &tally{attacks: make(map[string]int), events: make(map[model.EventKind]int)}
	mgr, err := manager.NewManager(cfg.Engine, manager.Components{
		Classifier: cls,
		Aggregator: agg,
		Blocker:    blocker,
		Observer:   counts,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create manager")
	}
	log.Info("Manager initialized.")

	src, err := pcap.OpenFile(pcapFilePath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open pcap file")
	}
	defer src.Close()
	log.Infof("Reading packets from '%s'...", pcapFilePath)

	// 4. Start the processing pipeline
	ctx := context.Background()
	mgr.Start(ctx)
	log.Info("Manager started.")

	// 5. Feed every packet to the manager
	if err := mgr.Consume(ctx, src, true); err != nil {
		log.WithError(err).Error("Replay stopped early")
	}
	log.Info("Finished reading all packets from pcap file.")

	// 6. Graceful shutdown
	log.Info("Shutting down manager...")
	mgr.Stop()

	parsed, skipped := src.Stats()
	printSummary(mgr.Stats(), parsed, skipped, counts, blocker.ActiveBlocks())
}

func printSummary(stats manager.Stats, parsed, skipped uint64, counts *tally, blocks []model.BlockEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Packets decoded\t%d\n", parsed)
	fmt.Fprintf(w, "Packets skipped\t%d\n", skipped)
	fmt.Fprintf(w, "Packets classified\t%d\n", stats.Processed)
	fmt.Fprintf(w, "Malicious\t%d\n", stats.Malicious)
	fmt.Fprintf(w, "Threats\t%d\n", stats.Threats)
	fmt.Fprintf(w, "Blocks issued\t%d\n", counts.events[model.EventBlock])
	fmt.Fprintf(w, "Model\t%s\n", stats.ModelVersion)
	w.Flush()

	attacks := make([]string, 0, len(counts.attacks))
	for a := range counts.attacks {
		attacks = append(attacks, a)
	}
	sort.Slice(attacks, func(i, j int) bool { return counts.attacks[attacks[i]] > counts.attacks[attacks[j]] })
	if len(attacks) > 0 {
		fmt.Println("\nThreats by attack type:")
		for _, a := range attacks {
			fmt.Fprintf(w, "  %s\t%d\n", a, counts.attacks[a])
		}
		w.Flush()
	}

	if len(blocks) > 0 {
		fmt.Println("\nWould block:")
		for _, b := range blocks {
			fmt.Fprintf(w, "  %s\t%s\n", b.Address, b.Reason)
		}
		w.Flush()
	}
}
