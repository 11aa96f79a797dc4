package main

import (
	"Go2NetGuard/internal/classifier"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/synthetic"
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/sirupsen/logrus"
)

// datasetRow is one line of a JSON-lines training file.
type datasetRow struct {
	Packet    model.PacketRecord `json:"packet"`
	Malicious bool               `json:"malicious"`
}

func main() {
	out := flag.String("out", "models/forest.json", "Where to write the trained artifact.")
	data := flag.String("data", "", "JSON-lines dataset; empty generates synthetic traffic.")
	samples := flag.Int("samples", 20000, "Number of synthetic packets to generate.")
	attackRatio := flag.Float64("attack-ratio", 0.3, "Fraction of synthetic packets that are attacks.")
	trees := flag.Int("trees", 50, "Number of trees in the forest.")
	depth := flag.Int("depth", 12, "Maximum tree depth.")
	seed := flag.Uint64("seed", 1, "Seed for data generation and training.")
	version := flag.String("version", "", "Artifact version; defaults to a UTC timestamp.")
	holdout := flag.Float64("holdout", 0.2, "Fraction of the data kept back for evaluation.")
	pcapOut := flag.String("pcap-out", "", "Also write the synthetic packets to this pcap file.")
	flag.Parse()

	log := logging.New(config.LogConfig{Level: "info"})

	packets, err := loadDataset(*data, *samples, *attackRatio, *seed, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load dataset")
	}
	if *pcapOut != "" {
		n, err := synthetic.WritePcap(*pcapOut, packets)
		if err != nil {
			log.WithError(err).Fatal("Failed to write pcap")
		}
		log.WithFields(logrus.Fields{"path": *pcapOut, "packets": n}).Info("Wrote dataset as pcap")
	}

	all, err := synthetic.Samples(packets)
	if err != nil {
		log.WithError(err).Fatal("Dataset does not fit the feature schema")
	}
	rng := rand.New(rand.NewPCG(*seed, ^*seed))
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	cut := len(all) - int(*holdout * float64(len(all)))
	train, test := all[:cut], all[cut:]

	log.WithFields(logrus.Fields{"train": len(train), "holdout": len(test), "trees": *trees}).Info("Training forest")
	artifact, err := classifier.Train(train, classifier.TrainOptions{
		Version:  *version,
		Trees:    *trees,
		MaxDepth: *depth,
		Seed:     *seed,
	})
	if err != nil {
		log.WithError(err).Fatal("Training failed")
	}

	if len(test) > 0 {
		m, err := classifier.NewModel(artifact)
		if err != nil {
			log.WithError(err).Fatal("Trained artifact is invalid")
		}
		metrics := classifier.Evaluate(m, test)
		artifact.Metrics = &metrics
		log.WithFields(logrus.Fields{
			"accuracy":  fmt.Sprintf("%.4f", metrics.Accuracy),
			"precision": fmt.Sprintf("%.4f", metrics.Precision),
			"recall":    fmt.Sprintf("%.4f", metrics.Recall),
			"f1":        fmt.Sprintf("%.4f", metrics.F1),
		}).Info("Holdout evaluation")
	}

	if err := classifier.WriteArtifact(*out, artifact); err != nil {
		log.WithError(err).Fatal("Failed to write artifact")
	}
	log.WithFields(logrus.Fields{"path": *out, "version": artifact.Version}).Info("Model written")
}

func loadDataset(path string, n int, ratio float64, seed uint64, log *logrus.Logger) ([]synthetic.Labeled, error) {
	if path == "" {
		gen := synthetic.New(config.CaptureConfig{AttackRatio: ratio}, seed, log)
		return gen.Batch(n), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []synthetic.Labeled
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row datasetRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, synthetic.Labeled{Record: row.Packet, Malicious: row.Malicious})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("dataset is empty")
	}
	return out, nil
}
