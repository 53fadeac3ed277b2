package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-seqtrain/nn"
	"github.com/tsawler/go-seqtrain/tensor"
)

// ONNX wire constants. Field numbers follow onnx.proto; only the subset
// this exporter emits is listed.
const (
	onnxIRVersion = 7
	onnxOpset     = 13

	onnxFloat = 1 // TensorProto.DataType FLOAT

	attrFloat = 1 // AttributeProto.AttributeType
	attrInt   = 2
)

// ExportInference writes a frozen ONNX model to path. It builds a fresh
// model from the spec, loads only the weights, disables gradient tracking,
// switches to eval mode, and traces one forward pass with a synthetic
// batch-of-one input before serializing the graph.
func ExportInference(snap *Snapshot, path string) error {
	model, err := nn.Build(snap.Spec)
	if err != nil {
		return errors.Wrap(err, "building inference model")
	}
	if err := LoadWeights(snap.Weights, model.Parameters()); err != nil {
		return errors.Wrap(err, "loading weights into inference model")
	}
	for _, param := range model.Parameters() {
		param.SetRequiresGrad(false)
	}
	model.Eval()

	probe, err := tensor.Random([]int{1, 1, snap.Spec.InputSize}, tensor.CPU)
	if err != nil {
		return errors.Wrap(err, "creating trace input")
	}
	if _, err := model.Forward(probe); err != nil {
		return errors.Wrap(err, "tracing frozen model")
	}

	frozen, err := ExtractWeights(snap.Spec, model.Parameters())
	if err != nil {
		return errors.Wrap(err, "extracting frozen weights")
	}
	graph, err := buildGraph(snap.Spec, frozen)
	if err != nil {
		return errors.Wrap(err, "building inference graph")
	}

	m := onnxModel{
		producerName:    framework,
		producerVersion: version,
		graph:           graph,
	}
	if err := os.WriteFile(path, m.encode(), 0o644); err != nil {
		return errors.Wrapf(err, "writing model %s", path)
	}
	return nil
}

// buildGraph lowers the spec into ONNX nodes. Dense layers become Gemm
// with transB=1, so weights are stored transposed as (out, in). Dropout
// is identity at inference and emits no node.
func buildGraph(spec nn.Spec, weights []WeightTensor) (onnxGraph, error) {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		weightMap[w.Name] = w
	}

	graph := onnxGraph{name: spec.Name}
	graph.inputs = append(graph.inputs, onnxValueInfo{
		name: "input",
		dims: []int64{1, 1, int64(spec.InputSize)},
	})

	current := "input"
	outputSize := spec.InputSize
	for _, layer := range spec.Layers {
		switch layer.Kind {
		case nn.KindFlatten:
			out := layer.Name + "_output"
			graph.nodes = append(graph.nodes, onnxNode{
				name:    layer.Name,
				opType:  "Flatten",
				inputs:  []string{current},
				outputs: []string{out},
				attrs:   []onnxAttr{{name: "axis", kind: attrInt, i: 1}},
			})
			current = out

		case nn.KindDense:
			weight, ok := weightMap[layer.Name+".weight"]
			if !ok {
				return onnxGraph{}, fmt.Errorf("missing weight tensor for layer %s", layer.Name)
			}
			bias, ok := weightMap[layer.Name+".bias"]
			if !ok {
				return onnxGraph{}, fmt.Errorf("missing bias tensor for layer %s", layer.Name)
			}
			if len(weight.Shape) != 2 {
				return onnxGraph{}, fmt.Errorf("weight %s is not a matrix: shape %v", weight.Name, weight.Shape)
			}

			out := layer.Name + "_output"
			graph.nodes = append(graph.nodes, onnxNode{
				name:    layer.Name,
				opType:  "Gemm",
				inputs:  []string{current, weight.Name, bias.Name},
				outputs: []string{out},
				attrs:   []onnxAttr{{name: "transB", kind: attrInt, i: 1}},
			})
			graph.initializers = append(graph.initializers,
				onnxTensor{
					name: weight.Name,
					dims: []int64{int64(weight.Shape[1]), int64(weight.Shape[0])},
					data: transposeMatrix(weight.Data, weight.Shape),
				},
				onnxTensor{
					name: bias.Name,
					dims: []int64{int64(len(bias.Data))},
					data: bias.Data,
				},
			)
			outputSize = weight.Shape[1]
			current = out

		case nn.KindReLU:
			out := layer.Name + "_output"
			graph.nodes = append(graph.nodes, onnxNode{
				name:    layer.Name,
				opType:  "Relu",
				inputs:  []string{current},
				outputs: []string{out},
			})
			current = out

		case nn.KindTanh:
			out := layer.Name + "_output"
			graph.nodes = append(graph.nodes, onnxNode{
				name:    layer.Name,
				opType:  "Tanh",
				inputs:  []string{current},
				outputs: []string{out},
			})
			current = out

		case nn.KindDropout:
			continue

		default:
			return onnxGraph{}, fmt.Errorf("unsupported layer kind %s for ONNX export", layer.Kind)
		}
	}

	graph.outputs = append(graph.outputs, onnxValueInfo{
		name: current,
		dims: []int64{1, int64(outputSize)},
	})
	return graph, nil
}

// transposeMatrix converts row-major (rows, cols) data to (cols, rows).
func transposeMatrix(data []float32, shape []int) []float32 {
	rows, cols := shape[0], shape[1]
	out := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

// Hand-framed subset of the ONNX protobuf schema, wide enough for the
// graphs this exporter emits.

type onnxModel struct {
	producerName    string
	producerVersion string
	graph           onnxGraph
}

func (m onnxModel) encode() []byte {
	var b []byte
	b = appendVarintField(b, 1, onnxIRVersion)
	b = appendStringField(b, 2, m.producerName)
	b = appendStringField(b, 3, m.producerVersion)
	b = appendVarintField(b, 5, 1) // model_version
	b = appendMessageField(b, 7, m.graph.encode())

	var opset []byte
	opset = appendVarintField(opset, 2, onnxOpset) // default domain
	b = appendMessageField(b, 8, opset)
	return b
}

type onnxGraph struct {
	name         string
	nodes        []onnxNode
	initializers []onnxTensor
	inputs       []onnxValueInfo
	outputs      []onnxValueInfo
}

func (g onnxGraph) encode() []byte {
	var b []byte
	for _, n := range g.nodes {
		b = appendMessageField(b, 1, n.encode())
	}
	b = appendStringField(b, 2, g.name)
	for _, t := range g.initializers {
		b = appendMessageField(b, 5, t.encode())
	}
	for _, in := range g.inputs {
		b = appendMessageField(b, 11, in.encode())
	}
	for _, out := range g.outputs {
		b = appendMessageField(b, 12, out.encode())
	}
	return b
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []onnxAttr
}

func (n onnxNode) encode() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendStringField(b, 1, in)
	}
	for _, out := range n.outputs {
		b = appendStringField(b, 2, out)
	}
	b = appendStringField(b, 3, n.name)
	b = appendStringField(b, 4, n.opType)
	for _, attr := range n.attrs {
		b = appendMessageField(b, 5, attr.encode())
	}
	return b
}

type onnxAttr struct {
	name string
	kind int
	f    float32
	i    int64
}

func (a onnxAttr) encode() []byte {
	var b []byte
	b = appendStringField(b, 1, a.name)
	switch a.kind {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = appendVarintField(b, 3, uint64(a.i))
	}
	b = appendVarintField(b, 20, uint64(a.kind)) // AttributeProto.type
	return b
}

type onnxTensor struct {
	name string
	dims []int64
	data []float32
}

func (t onnxTensor) encode() []byte {
	var b []byte
	for _, d := range t.dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	b = appendVarintField(b, 2, onnxFloat)
	b = appendStringField(b, 8, t.name)

	raw := make([]byte, 0, 4*len(t.data))
	for _, v := range t.data {
		raw = protowire.AppendFixed32(raw, math.Float32bits(v))
	}
	b = appendMessageField(b, 9, raw)
	return b
}

type onnxValueInfo struct {
	name string
	dims []int64
}

func (v onnxValueInfo) encode() []byte {
	var shape []byte
	for _, d := range v.dims {
		var dim []byte
		dim = appendVarintField(dim, 1, uint64(d))
		shape = appendMessageField(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, onnxFloat)
	tensorType = appendMessageField(tensorType, 2, shape)

	var typ []byte
	typ = appendMessageField(typ, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.name)
	b = appendMessageField(b, 2, typ)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ImportInference reads a frozen ONNX model back into a snapshot. Only
// graphs shaped like ExportInference output (Flatten, Gemm, Relu, Tanh)
// are supported.
func ImportInference(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model %s", path)
	}

	var graphData []byte
	var producer string
	err = walkFields(raw, func(num protowire.Number, _ protowire.Type, value []byte) error {
		switch num {
		case 2:
			producer = string(value)
		case 7:
			graphData = value
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "parsing model %s", path)
	}
	if graphData == nil {
		return nil, fmt.Errorf("model %s has no graph", path)
	}

	snap, err := decodeGraph(graphData)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing model %s", path)
	}
	snap.Meta = Metadata{Framework: producer}
	return snap, nil
}

// walkFields visits every top-level field of a serialized message. For
// length-delimited fields the visitor receives the unwrapped payload; for
// scalar fields it receives the raw encoded value.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var value []byte
		var size int
		switch typ {
		case protowire.VarintType:
			_, size = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			_, size = protowire.ConsumeFixed32(data)
		case protowire.Fixed64Type:
			_, size = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			value, size = protowire.ConsumeBytes(data)
		default:
			return fmt.Errorf("unsupported wire type %d", typ)
		}
		if size < 0 {
			return protowire.ParseError(size)
		}
		if typ != protowire.BytesType {
			value = data[:size]
		}

		if err := visit(num, typ, value); err != nil {
			return err
		}
		data = data[size:]
	}
	return nil
}

type decodedNode struct {
	opType  string
	name    string
	inputs  []string
	outputs []string
}

func decodeNode(data []byte) (decodedNode, error) {
	var node decodedNode
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		switch num {
		case 1:
			node.inputs = append(node.inputs, string(value))
		case 2:
			node.outputs = append(node.outputs, string(value))
		case 3:
			node.name = string(value)
		case 4:
			node.opType = string(value)
		}
		return nil
	})
	return node, err
}

type decodedTensor struct {
	name string
	dims []int64
	data []float32
}

func decodeTensor(data []byte) (decodedTensor, error) {
	var t decodedTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			if typ == protowire.BytesType {
				for len(value) > 0 {
					v, n := protowire.ConsumeVarint(value)
					if n < 0 {
						return protowire.ParseError(n)
					}
					t.dims = append(t.dims, int64(v))
					value = value[n:]
				}
			} else {
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.dims = append(t.dims, int64(v))
			}
		case 4:
			if typ == protowire.BytesType {
				for len(value) > 0 {
					v, n := protowire.ConsumeFixed32(value)
					if n < 0 {
						return protowire.ParseError(n)
					}
					t.data = append(t.data, math.Float32frombits(v))
					value = value[n:]
				}
			} else {
				v, n := protowire.ConsumeFixed32(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.data = append(t.data, math.Float32frombits(v))
			}
		case 8:
			t.name = string(value)
		case 9:
			if len(value)%4 != 0 {
				return fmt.Errorf("tensor %s raw data is not float32 aligned", t.name)
			}
			for off := 0; off < len(value); off += 4 {
				bits := binary.LittleEndian.Uint32(value[off:])
				t.data = append(t.data, math.Float32frombits(bits))
			}
		}
		return nil
	})
	return t, err
}

func decodeValueInfo(data []byte) (string, []int64, error) {
	var name string
	var dims []int64
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		switch num {
		case 1:
			name = string(value)
		case 2:
			d, err := decodeTypeDims(value)
			if err != nil {
				return err
			}
			dims = d
		}
		return nil
	})
	return name, dims, err
}

// decodeTypeDims digs through TypeProto -> tensor_type -> shape -> dim to
// collect dim_value entries.
func decodeTypeDims(data []byte) ([]int64, error) {
	var dims []int64
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, tensorType []byte) error {
		if num != 1 {
			return nil
		}
		return walkFields(tensorType, func(num protowire.Number, _ protowire.Type, shape []byte) error {
			if num != 2 {
				return nil
			}
			return walkFields(shape, func(num protowire.Number, _ protowire.Type, dim []byte) error {
				if num != 1 {
					return nil
				}
				return walkFields(dim, func(num protowire.Number, _ protowire.Type, value []byte) error {
					if num != 1 {
						return nil
					}
					v, n := protowire.ConsumeVarint(value)
					if n < 0 {
						return protowire.ParseError(n)
					}
					dims = append(dims, int64(v))
					return nil
				})
			})
		})
	})
	return dims, err
}

func decodeGraph(data []byte) (*Snapshot, error) {
	var (
		name      string
		nodes     []decodedNode
		inits     = make(map[string]decodedTensor)
		inputDims []int64
	)
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, value []byte) error {
		switch num {
		case 1:
			node, err := decodeNode(value)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		case 2:
			name = string(value)
		case 5:
			t, err := decodeTensor(value)
			if err != nil {
				return err
			}
			inits[t.name] = t
		case 11:
			if inputDims == nil {
				_, dims, err := decodeValueInfo(value)
				if err != nil {
					return err
				}
				inputDims = dims
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(inputDims) == 0 {
		return nil, fmt.Errorf("graph has no input shape")
	}

	spec := nn.Spec{Name: name, InputSize: int(inputDims[len(inputDims)-1])}
	var weights []WeightTensor
	for _, node := range nodes {
		switch node.opType {
		case "Flatten":
			spec.Layers = append(spec.Layers, nn.LayerSpec{Kind: nn.KindFlatten, Name: node.name})
		case "Relu":
			spec.Layers = append(spec.Layers, nn.LayerSpec{Kind: nn.KindReLU, Name: node.name})
		case "Tanh":
			spec.Layers = append(spec.Layers, nn.LayerSpec{Kind: nn.KindTanh, Name: node.name})
		case "Gemm":
			if len(node.inputs) != 3 {
				return nil, fmt.Errorf("node %s: expected 3 inputs, got %d", node.name, len(node.inputs))
			}
			weight, ok := inits[node.inputs[1]]
			if !ok {
				return nil, fmt.Errorf("node %s: missing initializer %s", node.name, node.inputs[1])
			}
			bias, ok := inits[node.inputs[2]]
			if !ok {
				return nil, fmt.Errorf("node %s: missing initializer %s", node.name, node.inputs[2])
			}
			if len(weight.dims) != 2 {
				return nil, fmt.Errorf("node %s: weight %s is not a matrix", node.name, weight.name)
			}

			out, in := int(weight.dims[0]), int(weight.dims[1])
			if len(weight.data) != out*in {
				return nil, fmt.Errorf("node %s: weight %s has %d values, expected %d",
					node.name, weight.name, len(weight.data), out*in)
			}
			if len(bias.data) != out {
				return nil, fmt.Errorf("node %s: bias %s has %d values, expected %d",
					node.name, bias.name, len(bias.data), out)
			}

			spec.Layers = append(spec.Layers, nn.LayerSpec{
				Kind: nn.KindDense,
				Name: node.name,
				Params: map[string]float64{
					"input_size":  float64(in),
					"output_size": float64(out),
				},
			})
			weights = append(weights,
				WeightTensor{
					Name:  weight.name,
					Shape: []int{in, out},
					Data:  transposeMatrix(weight.data, []int{out, in}),
					Layer: node.name,
					Type:  "weight",
				},
				WeightTensor{
					Name:  bias.name,
					Shape: []int{out},
					Data:  bias.data,
					Layer: node.name,
					Type:  "bias",
				},
			)
		default:
			return nil, fmt.Errorf("unsupported op %s in node %s", node.opType, node.name)
		}
	}

	return &Snapshot{Spec: spec, Weights: weights}, nil
}
