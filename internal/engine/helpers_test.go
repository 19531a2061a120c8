package engine

import "github.com/pdevine/tensor"

func tensorOf(values []float32) *tensor.Dense {
	backing := append([]float32(nil), values...)
	return tensor.New(tensor.WithShape(1, len(backing)), tensor.WithBacking(backing))
}

func intTensor(rows, cols int, values []int32) *tensor.Dense {
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(values))
}
