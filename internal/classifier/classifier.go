// Package classifier serves the ensemble-of-trees model that labels packets
// as normal or malicious, and trains new versions of it offline.
package classifier

import (
	"Go2NetGuard/internal/features"
	"Go2NetGuard/internal/model"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrModelUnavailable is returned by Predict when no model is loaded. Callers
// must treat it as "cannot determine".
var ErrModelUnavailable = errors.New("classifier: model unavailable")

// Model is an immutable, validated artifact ready for inference.
type Model struct {
	artifact *Artifact
}

// NewModel validates a and wraps it for inference.
func NewModel(a *Artifact) (*Model, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &Model{artifact: a}, nil
}

// Version returns the artifact version.
func (m *Model) Version() string { return m.artifact.Version }

// Artifact returns the underlying artifact. It must not be modified.
func (m *Model) Artifact() *Artifact { return m.artifact }

// Predict scales v, collects one vote per tree and labels by simple majority.
// Confidence is the fraction of trees that voted for the returned label. An
// even split is labelled malicious.
func (m *Model) Predict(v features.Vector) model.ClassificationResult {
	x := m.artifact.Scaler.Transform(v)
	malicious := 0
	for i := range m.artifact.Trees {
		if m.artifact.Trees[i].Vote(x) == ClassMalicious {
			malicious++
		}
	}
	frac := float64(malicious) / float64(len(m.artifact.Trees))
	if frac >= 0.5 {
		return model.ClassificationResult{Label: model.LabelMalicious, Confidence: frac, ModelVersion: m.Version()}
	}
	return model.ClassificationResult{Label: model.LabelNormal, Confidence: 1 - frac, ModelVersion: m.Version()}
}

// Classifier holds the serving model behind an atomic pointer so inference
// never takes a lock and a version swap is a single pointer replace.
type Classifier struct {
	current atomic.Pointer[Model]
	log     *logrus.Logger
}

// New returns a classifier with no model loaded.
func New(log *logrus.Logger) *Classifier {
	return &Classifier{log: log}
}

// Load reads the artifact at path and swaps it in. On failure the serving
// model, if any, is kept.
func (c *Classifier) Load(path string) error {
	a, err := ReadArtifact(path)
	if err != nil {
		modelLoadFailures.Inc()
		return err
	}
	m, err := NewModel(a)
	if err != nil {
		modelLoadFailures.Inc()
		return err
	}
	prev := c.Swap(m)
	fields := logrus.Fields{"path": path, "version": m.Version(), "trees": len(a.Trees)}
	if prev != nil {
		fields["previous"] = prev.Version()
	}
	c.log.WithFields(fields).Info("Model loaded")
	return nil
}

// Swap installs m and returns the previously serving model. A nil m unloads
// the classifier.
func (c *Classifier) Swap(m *Model) *Model {
	prev := c.current.Swap(m)
	modelInfo.Reset()
	if m != nil {
		modelInfo.WithLabelValues(m.Version()).Set(1)
	}
	return prev
}

// Current returns the serving model or nil.
func (c *Classifier) Current() *Model {
	return c.current.Load()
}

// Ready reports whether a model is loaded.
func (c *Classifier) Ready() bool {
	return c.current.Load() != nil
}

// Version returns the serving model version, or "" when none is loaded.
func (c *Classifier) Version() string {
	if m := c.current.Load(); m != nil {
		return m.Version()
	}
	return ""
}

// Predict classifies v with the serving model. It is safe for concurrent use.
func (c *Classifier) Predict(v features.Vector) (model.ClassificationResult, error) {
	m := c.current.Load()
	if m == nil {
		return model.ClassificationResult{Label: model.LabelUnknown}, ErrModelUnavailable
	}
	res := m.Predict(v)
	predictions.WithLabelValues(string(res.Label)).Inc()
	return res, nil
}
