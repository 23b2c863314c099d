package ondevice

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Activation string

const (
	ActivationLinear  Activation = "linear"
	ActivationReLU    Activation = "relu"
	ActivationSigmoid Activation = "sigmoid"
	ActivationTanh    Activation = "tanh"
	ActivationSoftmax Activation = "softmax"
)

// Layer is one dense layer; Weights is out×in.
type Layer struct {
	Weights    [][]float64 `yaml:"weights" json:"weights"`
	Bias       []float64   `yaml:"bias" json:"bias"`
	Activation Activation  `yaml:"activation" json:"activation"`
}

// Model is a precompiled feed-forward network.
type Model struct {
	Name       string  `yaml:"name" json:"name"`
	InputWidth int     `yaml:"input_width" json:"input_width"`
	Layers     []Layer `yaml:"layers" json:"layers"`
}

// ParseModel decodes a YAML or JSON model document and validates its shapes.
// JSON is a subset of YAML, so one decoder handles both.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) Validate() error {
	if m.InputWidth <= 0 {
		return errors.Errorf("model %q: input_width must be positive", m.Name)
	}
	if len(m.Layers) == 0 {
		return errors.Errorf("model %q: no layers", m.Name)
	}
	width := m.InputWidth
	for i := range m.Layers {
		l := &m.Layers[i]
		if len(l.Weights) == 0 {
			return errors.Errorf("model %q: layer %d has no weights", m.Name, i)
		}
		for r, row := range l.Weights {
			if len(row) != width {
				return errors.Errorf("model %q: layer %d row %d has width %d, want %d", m.Name, i, r, len(row), width)
			}
		}
		if len(l.Bias) != 0 && len(l.Bias) != len(l.Weights) {
			return errors.Errorf("model %q: layer %d bias has %d entries, want %d", m.Name, i, len(l.Bias), len(l.Weights))
		}
		l.Activation = Activation(strings.ToLower(strings.TrimSpace(string(l.Activation))))
		switch l.Activation {
		case "":
			l.Activation = ActivationLinear
		case ActivationLinear, ActivationReLU, ActivationSigmoid, ActivationTanh, ActivationSoftmax:
		default:
			return errors.Errorf("model %q: layer %d has unknown activation %q", m.Name, i, l.Activation)
		}
		width = len(l.Weights)
	}
	return nil
}

func (m *Model) OutputWidth() int {
	if len(m.Layers) == 0 {
		return 0
	}
	return len(m.Layers[len(m.Layers)-1].Weights)
}

// Forward runs one pass; the caller has checked the input width.
func (m *Model) Forward(input []float64) []float64 {
	x := input
	for _, l := range m.Layers {
		out := make([]float64, len(l.Weights))
		for r, row := range l.Weights {
			sum := 0.0
			if len(l.Bias) > 0 {
				sum = l.Bias[r]
			}
			for c, w := range row {
				sum += w * x[c]
			}
			out[r] = sum
		}
		activate(l.Activation, out)
		x = out
	}
	return x
}

func activate(a Activation, v []float64) {
	switch a {
	case ActivationReLU:
		for i := range v {
			v[i] = math.Max(0, v[i])
		}
	case ActivationSigmoid:
		for i := range v {
			v[i] = 1 / (1 + math.Exp(-v[i]))
		}
	case ActivationTanh:
		for i := range v {
			v[i] = math.Tanh(v[i])
		}
	case ActivationSoftmax:
		maxV := math.Inf(-1)
		for _, x := range v {
			maxV = math.Max(maxV, x)
		}
		sum := 0.0
		for i := range v {
			v[i] = math.Exp(v[i] - maxV)
			sum += v[i]
		}
		for i := range v {
			v[i] /= sum
		}
	case ActivationLinear:
	}
}
