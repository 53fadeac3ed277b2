package tensor

import (
	"fmt"
	"math/rand"
	"time"
)

var globalRng = rand.New(rand.NewSource(time.Now().UnixNano()))

// SetRandomSeed makes all random tensor creation in this package
// deterministic. Call it once before building models when reproducible
// runs are required.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := t.setData(data); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		slice := make([]float32, numElems)
		for i := range slice {
			slice[i] = 1.0
		}
		data = slice
	case Int32:
		slice := make([]int32, numElems)
		for i := range slice {
			slice[i] = 1
		}
		data = slice
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

// Full creates a tensor of the given shape with every element set to value.
func Full(shape []int, value interface{}, dtype DType, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, dtype, device, value)
}

// Random creates a Float32 tensor with elements drawn uniformly from [0, 1).
func Random(shape []int, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	slice := make([]float32, numElems)
	for i := range slice {
		slice[i] = globalRng.Float32()
	}

	return NewTensor(shape, Float32, device, slice)
}

// Uniform creates a Float32 tensor with elements drawn uniformly from
// [low, high).
func Uniform(shape []int, low, high float64, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if high < low {
		return nil, fmt.Errorf("invalid uniform range: [%f, %f)", low, high)
	}

	numElems := calculateNumElements(shape)
	slice := make([]float32, numElems)
	for i := range slice {
		slice[i] = float32(low + globalRng.Float64()*(high-low))
	}

	return NewTensor(shape, Float32, device, slice)
}

// FromScalar creates a single-element tensor holding value.
func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	t := &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		DType:    dtype,
		Device:   device,
		NumElems: 1,
	}
	switch dtype {
	case Int32:
		t.Data = []int32{int32(value)}
	default:
		t.DType = Float32
		t.Data = []float32{float32(value)}
	}
	return t
}
