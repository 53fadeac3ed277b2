package nn

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LayerKind identifies a layer type inside a Spec.
type LayerKind int

const (
	KindDense LayerKind = iota
	KindReLU
	KindTanh
	KindDropout
	KindFlatten
)

func (k LayerKind) String() string {
	switch k {
	case KindDense:
		return "dense"
	case KindReLU:
		return "relu"
	case KindTanh:
		return "tanh"
	case KindDropout:
		return "dropout"
	case KindFlatten:
		return "flatten"
	default:
		return "unknown"
	}
}

func (k LayerKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *LayerKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "dense":
		*k = KindDense
	case "relu":
		*k = KindReLU
	case "tanh":
		*k = KindTanh
	case "dropout":
		*k = KindDropout
	case "flatten":
		*k = KindFlatten
	default:
		return fmt.Errorf("unknown layer kind %q", s)
	}
	return nil
}

// LayerSpec describes one layer. Params carries the numeric settings the
// kind needs: input_size and output_size for dense layers, rate for
// dropout.
type LayerSpec struct {
	Kind   LayerKind          `json:"kind"`
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params,omitempty"`
}

func (ls LayerSpec) paramInt(key string) (int, error) {
	v, ok := ls.Params[key]
	if !ok {
		return 0, fmt.Errorf("layer %q missing parameter %q", ls.Name, key)
	}
	return int(v), nil
}

// Spec is a complete, serializable model architecture. It round-trips
// through checkpoints so a fresh model can always be rebuilt from one.
type Spec struct {
	Name      string      `json:"name"`
	InputSize int         `json:"input_size"`
	Layers    []LayerSpec `json:"layers"`
}

// Validate checks that the spec can be built.
func (s Spec) Validate() error {
	if s.InputSize <= 0 {
		return fmt.Errorf("spec input size must be positive, got %d", s.InputSize)
	}
	if len(s.Layers) == 0 {
		return fmt.Errorf("spec has no layers")
	}

	seen := make(map[string]bool)
	for i, layer := range s.Layers {
		if layer.Name == "" {
			return fmt.Errorf("layer %d has no name", i)
		}
		if seen[layer.Name] {
			return fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true
	}
	return nil
}

// Build constructs a runnable model from the spec. Dense weights are
// freshly initialized; use the checkpoint package to load saved ones.
func Build(s Spec) (*Sequential, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	model := NewSequential()
	for _, layer := range s.Layers {
		switch layer.Kind {
		case KindDense:
			in, err := layer.paramInt("input_size")
			if err != nil {
				return nil, err
			}
			out, err := layer.paramInt("output_size")
			if err != nil {
				return nil, err
			}
			dense, err := NewLinear(in, out, true)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %v", layer.Name, err)
			}
			model.Add(dense)
		case KindReLU:
			model.Add(NewReLU())
		case KindTanh:
			model.Add(NewTanh())
		case KindDropout:
			rate := layer.Params["rate"]
			dropout, err := NewDropout(rate)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %v", layer.Name, err)
			}
			model.Add(dropout)
		case KindFlatten:
			model.Add(NewFlatten())
		default:
			return nil, fmt.Errorf("layer %q has unknown kind %d", layer.Name, layer.Kind)
		}
	}

	return model, nil
}

// Classifier builds the spec of a feed-forward sequence classifier:
// flatten, then a stack of dense+ReLU blocks over the hidden sizes, an
// optional dropout before the head, and a dense output layer producing one
// logit per class.
func Classifier(inputSize int, hidden []int, classes int, dropout float64) Spec {
	spec := Spec{
		Name:      "sequence-classifier",
		InputSize: inputSize,
		Layers: []LayerSpec{
			{Kind: KindFlatten, Name: "flatten"},
		},
	}

	in := inputSize
	for i, h := range hidden {
		spec.Layers = append(spec.Layers,
			LayerSpec{
				Kind: KindDense,
				Name: fmt.Sprintf("dense%d", i+1),
				Params: map[string]float64{
					"input_size":  float64(in),
					"output_size": float64(h),
				},
			},
			LayerSpec{Kind: KindReLU, Name: fmt.Sprintf("relu%d", i+1)},
		)
		in = h
	}

	if dropout > 0 {
		spec.Layers = append(spec.Layers, LayerSpec{
			Kind:   KindDropout,
			Name:   "dropout",
			Params: map[string]float64{"rate": dropout},
		})
	}

	spec.Layers = append(spec.Layers, LayerSpec{
		Kind: KindDense,
		Name: "output",
		Params: map[string]float64{
			"input_size":  float64(in),
			"output_size": float64(classes),
		},
	})

	return spec
}

func (k LayerKind) displayName() string {
	switch k {
	case KindDense:
		return "Dense"
	case KindReLU:
		return "ReLU"
	case KindTanh:
		return "Tanh"
	case KindDropout:
		return "Dropout"
	case KindFlatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// Describe renders a one-layer-per-line summary of the architecture,
// suitable for the run log.
func Describe(s Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(input_size=%d)", s.Name, s.InputSize)
	for _, layer := range s.Layers {
		switch layer.Kind {
		case KindDense:
			fmt.Fprintf(&b, "\n  (%s): Dense(in=%d, out=%d)",
				layer.Name, int(layer.Params["input_size"]), int(layer.Params["output_size"]))
		case KindDropout:
			fmt.Fprintf(&b, "\n  (%s): Dropout(rate=%g)", layer.Name, layer.Params["rate"])
		default:
			fmt.Fprintf(&b, "\n  (%s): %s", layer.Name, layer.Kind.displayName())
		}
	}
	return b.String()
}
