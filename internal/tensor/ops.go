package tensor

import "github.com/gomlx/exceptions"

// Add performs element-wise addition with broadcasting.
func (t *Tensor[T, B]) Add(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.Add(t.raw, other.raw), t.backend)
}

// MatMul performs 2D matrix multiplication.
func (t *Tensor[T, B]) MatMul(other *Tensor[T, B]) *Tensor[T, B] {
	return New[T, B](t.backend.MatMul(t.raw, other.raw), t.backend)
}

// Reshape returns a tensor with the same data and new dimensions.
// One dimension may be -1 and is inferred from the others.
func (t *Tensor[T, B]) Reshape(dims ...int) *Tensor[T, B] {
	shape := inferShape(t.NumElements(), dims)
	return New[T, B](t.backend.Reshape(t.raw, shape), t.backend)
}

// Transpose permutes the axes. With no arguments it reverses them.
func (t *Tensor[T, B]) Transpose(axes ...int) *Tensor[T, B] {
	return New[T, B](t.backend.Transpose(t.raw, axes...), t.backend)
}

// Flatten collapses every dimension from startDim onward into one.
func (t *Tensor[T, B]) Flatten(startDim int) *Tensor[T, B] {
	shape := t.Shape()
	if startDim < 0 || startDim >= len(shape) {
		exceptions.Panicf("flatten: start dim %d out of range for shape %v", startDim, shape)
	}
	dims := make([]int, 0, startDim+1)
	dims = append(dims, shape[:startDim]...)
	dims = append(dims, Shape(shape[startDim:]).NumElements())
	return t.Reshape(dims...)
}

// ReLU applies max(0, x) element-wise.
func (t *Tensor[T, B]) ReLU() *Tensor[T, B] {
	return New[T, B](t.backend.ReLU(t.raw), t.backend)
}

// Softmax normalizes along dim.
func (t *Tensor[T, B]) Softmax(dim int) *Tensor[T, B] {
	return New[T, B](t.backend.Softmax(t.raw, dim), t.backend)
}

// inferShape resolves a single -1 entry in dims.
func inferShape(numElements int, dims []int) Shape {
	shape := make(Shape, len(dims))
	inferred := -1
	known := 1
	for i, d := range dims {
		switch {
		case d == -1:
			if inferred >= 0 {
				exceptions.Panicf("reshape: only one dimension can be inferred")
			}
			inferred = i
		case d <= 0:
			exceptions.Panicf("reshape: invalid dimension %d", d)
		default:
			known *= d
		}
		shape[i] = d
	}
	if inferred >= 0 {
		if known == 0 || numElements%known != 0 {
			exceptions.Panicf("reshape: cannot infer dimension for %d elements from %v", numElements, dims)
		}
		shape[inferred] = numElements / known
	}
	if shape.NumElements() != numElements {
		PanicShape("reshape", shape, "%d elements cannot hold a tensor of %d", shape.NumElements(), numElements)
	}
	return shape
}
