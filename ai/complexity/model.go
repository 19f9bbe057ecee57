package complexity

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/hrygo/keyroute/internal/version"
)

// Model is an immutable linear classifier over embeddings: a [NumLevels x D]
// weight matrix and a bias vector. Values are never mutated after
// construction; replacing a model means building a new one.
type Model struct {
	version   string
	dimension int
	weights   [NumLevels][]float64
	bias      [NumLevels]float64
	trained   bool
}

// modelFile is the on-disk JSON representation of a Model.
type modelFile struct {
	Version   string      `json:"version"`
	Dimension int         `json:"dimension"`
	Weights   [][]float64 `json:"weights"`
	Bias      []float64   `json:"bias"`
}

// DefaultModel returns the untrained fallback: zero weights and a bias that
// favours level 3 by 0.01, so every input yields the same near-uniform
// distribution.
func DefaultModel(dimension int) *Model {
	if dimension <= 0 {
		dimension = 1
	}
	m := &Model{version: version.ModelFormat, dimension: dimension}
	for i := range m.weights {
		m.weights[i] = make([]float64, dimension)
	}
	m.bias[DefaultLevel-1] = 0.01
	return m
}

// ParseModel decodes and validates a model document.
func ParseModel(data []byte) (*Model, error) {
	var f modelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if !version.IsSupportedModelFormat(f.Version) {
		return nil, fmt.Errorf("unsupported model format %q", f.Version)
	}
	if f.Dimension <= 0 {
		return nil, fmt.Errorf("invalid model dimension %d", f.Dimension)
	}
	if len(f.Weights) != NumLevels {
		return nil, fmt.Errorf("model has %d weight rows, want %d", len(f.Weights), NumLevels)
	}
	if len(f.Bias) != NumLevels {
		return nil, fmt.Errorf("model has %d bias values, want %d", len(f.Bias), NumLevels)
	}

	m := &Model{version: f.Version, dimension: f.Dimension, trained: true}
	for i, row := range f.Weights {
		if len(row) != f.Dimension {
			return nil, fmt.Errorf("weight row %d has length %d, want %d", i, len(row), f.Dimension)
		}
		if !allFinite(row) {
			return nil, fmt.Errorf("weight row %d contains non-finite values", i)
		}
		m.weights[i] = append([]float64(nil), row...)
	}
	if !allFinite(f.Bias) {
		return nil, fmt.Errorf("bias contains non-finite values")
	}
	copy(m.bias[:], f.Bias)
	return m, nil
}

// LoadModel reads and validates a model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return m, nil
}

// Dimension returns the embedding dimension the model expects.
func (m *Model) Dimension() int { return m.dimension }

// Trained reports whether the model was loaded from a real source.
func (m *Model) Trained() bool { return m.trained }

// Version returns the model format version.
func (m *Model) Version() string { return m.version }

// Probabilities applies the model to an embedding.
func (m *Model) Probabilities(embedding []float32) ([NumLevels]float64, error) {
	var logits [NumLevels]float64
	if len(embedding) != m.dimension {
		return logits, fmt.Errorf("%w: got %d, model expects %d", ErrDimensionMismatch, len(embedding), m.dimension)
	}
	for j, v := range embedding {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return logits, fmt.Errorf("%w: value %v at index %d", ErrNonFinite, v, j)
		}
	}
	for i := range logits {
		sum := m.bias[i]
		for j, w := range m.weights[i] {
			sum += w * float64(embedding[j])
		}
		logits[i] = sum
	}
	probs, ok := softmax(logits)
	if !ok {
		return probs, fmt.Errorf("%w: logits %v", ErrNonFinite, logits)
	}
	return probs, nil
}

// softmax subtracts the max logit before exponentiating. It reports false
// when the logits overflow.
func softmax(logits [NumLevels]float64) ([NumLevels]float64, bool) {
	var probs [NumLevels]float64
	if !allFinite(logits[:]) {
		return probs, false
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, l)
	}
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	if sum <= 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
		return probs, false
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs, true
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Encode returns the model in its JSON file format.
func (m *Model) Encode() ([]byte, error) {
	f := modelFile{
		Version:   m.version,
		Dimension: m.dimension,
		Weights:   make([][]float64, NumLevels),
		Bias:      append([]float64(nil), m.bias[:]...),
	}
	for i := range m.weights {
		f.Weights[i] = m.weights[i]
	}
	return json.MarshalIndent(f, "", "  ")
}
