package classifier

import (
	"Go2NetGuard/internal/features"
	"Go2NetGuard/internal/model"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// Sample is one labelled training example.
type Sample struct {
	Vector    features.Vector
	Malicious bool
}

// TrainOptions tunes the random forest.
type TrainOptions struct {
	Version         string
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures is the number of features considered per split. Zero
	// means round(sqrt(features.Size)).
	MaxFeatures int
	Seed        uint64
}

func (o *TrainOptions) normalize() {
	if o.Trees <= 0 {
		o.Trees = 50
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 12
	}
	if o.MinSamplesSplit < 2 {
		o.MinSamplesSplit = 2
	}
	if o.MaxFeatures <= 0 {
		o.MaxFeatures = int(math.Round(math.Sqrt(features.Size)))
	}
	if o.MaxFeatures > features.Size {
		o.MaxFeatures = features.Size
	}
	if o.Version == "" {
		o.Version = time.Now().UTC().Format("20060102T150405Z")
	}
}

// Train fits a scaler and then a bootstrap forest of gini trees over the
// scaled samples. The same seed and samples always yield the same artifact.
func Train(samples []Sample, opts TrainOptions) (*Artifact, error) {
	if len(samples) == 0 {
		return nil, errors.New("no training samples")
	}
	opts.normalize()

	scaler := fitScaler(samples)
	xs := make([]features.Vector, len(samples))
	ys := make([]int, len(samples))
	for i, s := range samples {
		xs[i] = scaler.Transform(s.Vector)
		if s.Malicious {
			ys[i] = ClassMalicious
		}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	trees := make([]Tree, 0, opts.Trees)
	for t := 0; t < opts.Trees; t++ {
		idx := make([]int, len(samples))
		for i := range idx {
			idx[i] = rng.IntN(len(samples))
		}
		b := &treeBuilder{xs: xs, ys: ys, opts: opts, rng: rng}
		b.grow(idx, 0)
		trees = append(trees, Tree{Nodes: b.nodes})
	}

	a := &Artifact{
		Version:       opts.Version,
		FeatureSchema: features.SchemaVersion,
		FeatureNames:  append([]string(nil), features.Names[:]...),
		Scaler:        scaler,
		Trees:         trees,
		TrainedAt:     time.Now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("trained artifact failed validation: %w", err)
	}
	return a, nil
}

func fitScaler(samples []Sample) Scaler {
	s := Scaler{Mean: make([]float64, features.Size), Scale: make([]float64, features.Size)}
	n := float64(len(samples))
	for _, smp := range samples {
		for i, v := range smp.Vector {
			s.Mean[i] += v
		}
	}
	for i := range s.Mean {
		s.Mean[i] /= n
	}
	for _, smp := range samples {
		for i, v := range smp.Vector {
			d := v - s.Mean[i]
			s.Scale[i] += d * d
		}
	}
	for i := range s.Scale {
		s.Scale[i] = math.Sqrt(s.Scale[i] / n)
		if s.Scale[i] == 0 {
			s.Scale[i] = 1
		}
	}
	return s
}

type treeBuilder struct {
	xs    []features.Vector
	ys    []int
	opts  TrainOptions
	rng   *rand.Rand
	nodes []Node
}

// grow appends the subtree for idx and returns its root index. Parents are
// appended before their children.
func (b *treeBuilder) grow(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{})

	pos := 0
	for _, i := range idx {
		pos += b.ys[i]
	}
	if pos == 0 || pos == len(idx) || depth >= b.opts.MaxDepth || len(idx) < b.opts.MinSamplesSplit {
		b.nodes[self] = leaf(pos, len(idx))
		return self
	}

	feature, threshold, ok := b.bestSplit(idx, pos)
	if !ok {
		b.nodes[self] = leaf(pos, len(idx))
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.xs[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return self
}

func leaf(pos, n int) Node {
	class := ClassNormal
	if 2*pos >= n {
		class = ClassMalicious
	}
	return Node{Leaf: true, Class: class}
}

func (b *treeBuilder) bestSplit(idx []int, pos int) (int, float64, bool) {
	n := len(idx)
	parent := gini(pos, n)
	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0

	candidates := b.rng.Perm(features.Size)[:b.opts.MaxFeatures]
	sorted := make([]int, n)
	for _, f := range candidates {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.xs[sorted[a]][f] < b.xs[sorted[c]][f] })

		leftPos := 0
		for k := 0; k < n-1; k++ {
			leftPos += b.ys[sorted[k]]
			cur, next := b.xs[sorted[k]][f], b.xs[sorted[k+1]][f]
			if cur == next {
				continue
			}
			ln := k + 1
			rn := n - ln
			weighted := (float64(ln)*gini(leftPos, ln) + float64(rn)*gini(pos-leftPos, rn)) / float64(n)
			if gain := parent - weighted; gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 1 - p*p - (1-p)*(1-p)
}

// Evaluate runs m over samples and reports accuracy, precision and recall
// for the malicious class.
func Evaluate(m *Model, samples []Sample) Metrics {
	var tp, fp, tn, fn int
	for _, s := range samples {
		predicted := m.Predict(s.Vector).Label == model.LabelMalicious
		switch {
		case predicted && s.Malicious:
			tp++
		case predicted && !s.Malicious:
			fp++
		case !predicted && s.Malicious:
			fn++
		default:
			tn++
		}
	}
	met := Metrics{Samples: len(samples)}
	if len(samples) > 0 {
		met.Accuracy = float64(tp+tn) / float64(len(samples))
	}
	if tp+fp > 0 {
		met.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		met.Recall = float64(tp) / float64(tp+fn)
	}
	if met.Precision+met.Recall > 0 {
		met.F1 = 2 * met.Precision * met.Recall / (met.Precision + met.Recall)
	}
	return met
}
