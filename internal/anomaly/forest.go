// Package anomaly implements the isolation forest anomaly model, its
// persisted artifact and the hot-swappable detector used during scoring.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

const (
	// DefaultNumTrees is the ensemble size when none is configured.
	DefaultNumTrees = 100
	// DefaultSampleSize caps the subsample each tree is grown on.
	DefaultSampleSize = 256

	eulerGamma = 0.5772156649015329
	leafNode   = -1
)

// Params controls forest fitting.
type Params struct {
	NumTrees   int
	SampleSize int
	Seed       int64
}

// Tree is a flattened isolation tree. Node 0 is the root. Internal nodes send
// x[Feature] <= Threshold left; leaves have Feature == -1 and record how many
// training samples reached them.
type Tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"left"`
	Right     []int     `json:"right"`
	Size      []int     `json:"size"`
}

// Forest is a fitted isolation forest.
type Forest struct {
	Trees       []Tree `json:"trees"`
	SampleSize  int    `json:"sample_size"`
	NumFeatures int    `json:"num_features"`
}

// Fit grows a forest over X (rows of equal width). The same X, params and
// seed always produce the same forest.
func Fit(X [][]float64, p Params) (*Forest, error) {
	if len(X) == 0 {
		return nil, errors.New("cannot fit on zero samples")
	}
	width := len(X[0])
	if width == 0 {
		return nil, errors.New("cannot fit on zero features")
	}
	for i, row := range X {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d feature %d is not finite", i, j)
			}
		}
	}

	if p.NumTrees <= 0 {
		p.NumTrees = DefaultNumTrees
	}
	if p.SampleSize <= 0 {
		p.SampleSize = DefaultSampleSize
	}
	psi := min(p.SampleSize, len(X))
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	rng := rand.New(rand.NewPCG(uint64(p.Seed), uint64(p.Seed)^0x9e3779b97f4a7c15))

	f := &Forest{
		Trees:       make([]Tree, p.NumTrees),
		SampleSize:  psi,
		NumFeatures: width,
	}
	for t := range f.Trees {
		idx := sample(rng, len(X), psi)
		b := &builder{X: X, rng: rng, maxDepth: maxDepth}
		b.grow(idx, 0)
		f.Trees[t] = b.tree
	}
	return f, nil
}

// sample draws k distinct indices from [0, n).
func sample(rng *rand.Rand, n, k int) []int {
	perm := rng.Perm(n)
	return perm[:k]
}

type builder struct {
	X        [][]float64
	rng      *rand.Rand
	maxDepth int
	tree     Tree
}

func (b *builder) addNode() int {
	b.tree.Feature = append(b.tree.Feature, leafNode)
	b.tree.Threshold = append(b.tree.Threshold, 0)
	b.tree.Left = append(b.tree.Left, leafNode)
	b.tree.Right = append(b.tree.Right, leafNode)
	b.tree.Size = append(b.tree.Size, 0)
	return len(b.tree.Feature) - 1
}

func (b *builder) grow(idx []int, depth int) int {
	node := b.addNode()
	b.tree.Size[node] = len(idx)
	if depth >= b.maxDepth || len(idx) <= 1 {
		return node
	}

	// Try features in random order until one varies within the node.
	width := len(b.X[0])
	for _, feat := range b.rng.Perm(width) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.X[i][feat]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi <= lo {
			continue
		}

		split := lo + b.rng.Float64()*(hi-lo)
		if split >= hi {
			split = lo
		}
		var left, right []int
		for _, i := range idx {
			if b.X[i][feat] <= split {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}

		b.tree.Feature[node] = feat
		b.tree.Threshold[node] = split
		l := b.grow(left, depth+1)
		r := b.grow(right, depth+1)
		b.tree.Left[node] = l
		b.tree.Right[node] = r
		return node
	}
	// Every feature is constant here.
	return node
}

// pathLength is the depth at which x is isolated in t, adjusted for the
// unresolved samples left in the leaf.
func (t *Tree) pathLength(x []float64) float64 {
	node, depth := 0, 0
	for t.Feature[node] != leafNode {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Size[node])
}

// averagePathLength is c(n), the mean unsuccessful-search path length of a
// binary search tree over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// Decision returns 0.5 - 2^(-E[h(x)]/c(psi)). Higher means more normal;
// negative values are anomalous.
func (f *Forest) Decision(x []float64) (float64, error) {
	if len(x) != f.NumFeatures {
		return 0, fmt.Errorf("input has %d features, model expects %d", len(x), f.NumFeatures)
	}
	if len(f.Trees) == 0 {
		return 0, errors.New("forest has no trees")
	}

	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))

	c := averagePathLength(f.SampleSize)
	// A single-sample forest cannot separate anything.
	if c == 0 {
		return -0.5, nil
	}
	return 0.5 - math.Pow(2, -mean/c), nil
}

// Score maps the decision function onto (0, 1): the logistic of its negation.
// More anomalous inputs score higher.
func (f *Forest) Score(x []float64) (float64, error) {
	d, err := f.Decision(x)
	if err != nil {
		return 0, err
	}
	return 1 / (1 + math.Exp(d)), nil
}

// validate checks the flattened trees are internally consistent.
func (f *Forest) validate() error {
	if f.NumFeatures <= 0 {
		return errors.New("forest has no features")
	}
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for ti := range f.Trees {
		t := &f.Trees[ti]
		n := len(t.Feature)
		if n == 0 || len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n || len(t.Size) != n {
			return fmt.Errorf("tree %d: malformed node arrays", ti)
		}
		for node := 0; node < n; node++ {
			feat := t.Feature[node]
			if feat == leafNode {
				continue
			}
			if feat < 0 || feat >= f.NumFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, node, feat)
			}
			// Children are always appended after their parent.
			if t.Left[node] <= node || t.Left[node] >= n || t.Right[node] <= node || t.Right[node] >= n {
				return fmt.Errorf("tree %d node %d: child out of range", ti, node)
			}
		}
	}
	return nil
}
