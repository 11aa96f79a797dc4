package classifier

import (
	"Go2NetGuard/internal/features"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Class indexes used by tree leaves.
const (
	ClassNormal    = 0
	ClassMalicious = 1
)

// Scaler is the per-feature standardisation fitted at training time.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform standardises v. A zero scale leaves the centred value unscaled.
func (s *Scaler) Transform(v features.Vector) features.Vector {
	var out features.Vector
	for i := range v {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v[i] - s.Mean[i]) / scale
	}
	return out
}

// Node is one decision or leaf node. Children always have a higher index than
// their parent, so evaluation terminates.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Class     int     `json:"class,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a binary decision tree stored as a flat node slice rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Vote walks the tree for an already scaled vector and returns the leaf class.
func (t *Tree) Vote(x features.Vector) int {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Class
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			if n.Class != ClassNormal && n.Class != ClassMalicious {
				return fmt.Errorf("node %d: unknown class %d", i, n.Class)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= features.Size {
			return fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
		for _, child := range []int{n.Left, n.Right} {
			if child <= i || child >= len(t.Nodes) {
				return fmt.Errorf("node %d: child index %d out of range", i, child)
			}
		}
	}
	return nil
}

// Metrics summarises a model's holdout evaluation.
type Metrics struct {
	Samples   int     `json:"samples"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Artifact is the persisted, versioned pair of scaler and forest.
type Artifact struct {
	Version       string    `json:"version"`
	FeatureSchema string    `json:"feature_schema"`
	FeatureNames  []string  `json:"feature_names"`
	Scaler        Scaler    `json:"scaler"`
	Trees         []Tree    `json:"trees"`
	TrainedAt     time.Time `json:"trained_at"`
	Metrics       *Metrics  `json:"metrics,omitempty"`
}

// Validate checks the artifact against the extractor's schema and its own
// structural invariants.
func (a *Artifact) Validate() error {
	if a.Version == "" {
		return errors.New("artifact has no version")
	}
	if err := features.ValidateSchema(a.FeatureSchema, a.FeatureNames); err != nil {
		return err
	}
	if len(a.Scaler.Mean) != features.Size || len(a.Scaler.Scale) != features.Size {
		return fmt.Errorf("scaler has %d means and %d scales, want %d", len(a.Scaler.Mean), len(a.Scaler.Scale), features.Size)
	}
	if len(a.Trees) == 0 {
		return errors.New("artifact has no trees")
	}
	for i := range a.Trees {
		if err := a.Trees[i].validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

// ReadArtifact loads and validates an artifact from disk.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &a, nil
}

// WriteArtifact persists a through a temporary file and a rename, so readers
// and the hot-reload watcher never observe a partial file.
func WriteArtifact(path string, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid artifact: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install artifact: %w", err)
	}
	return nil
}
