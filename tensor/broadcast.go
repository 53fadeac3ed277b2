package tensor

import (
	"fmt"
)

// BroadcastShapes returns the shape two operands broadcast to, following the
// usual trailing-dimension rules: dimensions are aligned from the right and
// are compatible when equal, when one side is 1, or when one side is missing.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	n := len(shape1)
	if len(shape2) > n {
		n = len(shape2)
	}

	result := make([]int, n)
	for i := 0; i < n; i++ {
		d1, d2 := 1, 1
		if i < len(shape1) {
			d1 = shape1[len(shape1)-1-i]
		}
		if i < len(shape2) {
			d2 = shape2[len(shape2)-1-i]
		}

		switch {
		case d1 == d2:
			result[n-1-i] = d1
		case d1 == 1:
			result[n-1-i] = d2
		case d2 == 1:
			result[n-1-i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return result, nil
}

// broadcastIndex maps a flat index in the broadcast result shape to the flat
// index of the same element in a source tensor of shape srcShape.
func broadcastIndex(flat int, resultShape, srcShape, srcStrides []int) int {
	idx := 0
	offset := len(resultShape) - len(srcShape)
	for i := len(resultShape) - 1; i >= 0; i-- {
		coord := flat % resultShape[i]
		flat /= resultShape[i]

		srcDim := i - offset
		if srcDim < 0 {
			continue
		}
		if srcShape[srcDim] == 1 {
			continue
		}
		idx += coord * srcStrides[srcDim]
	}
	return idx
}

// reduceGradientToShape sums a gradient over the dimensions that were
// broadcast during the forward pass, so the result matches the original
// input shape.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}
	if grad.DType != Float32 {
		return nil, fmt.Errorf("gradient reduction only supports Float32, got %s", grad.DType)
	}

	result, err := Zeros(targetShape, Float32, grad.Device)
	if err != nil {
		return nil, err
	}

	gradData := grad.Data.([]float32)
	resultData := result.Data.([]float32)
	resultStrides := calculateStrides(targetShape)

	for i := 0; i < grad.NumElems; i++ {
		j := broadcastIndex(i, grad.Shape, targetShape, resultStrides)
		resultData[j] += gradData[i]
	}

	return result, nil
}
