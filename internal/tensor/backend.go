package tensor

// Backend defines the operations a compute backend provides to the layers and
// to the ONNX runtime. Implementations panic on structurally invalid input
// (wrong rank, incompatible shapes); callers convert those panics to errors at
// their API boundary.
type Backend interface {
	// Add is element-wise addition with NumPy broadcasting.
	Add(a, b *RawTensor) *RawTensor

	// MatMul multiplies 2D matrices: [M, K] @ [K, N] -> [M, N].
	MatMul(a, b *RawTensor) *RawTensor

	// Conv2D convolves [N, C_in, H, W] with a kernel [C_out, C_in, K_h, K_w].
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor

	// MaxPool2D pools square windows. With ceilMode the output size is rounded
	// up and windows hanging over the bottom/right edge are clipped.
	MaxPool2D(input *RawTensor, kernelSize, stride int, ceilMode bool) *RawTensor

	// ReLU applies max(0, x) element-wise.
	ReLU(x *RawTensor) *RawTensor

	// Softmax normalizes along dim.
	Softmax(x *RawTensor, dim int) *RawTensor

	// Reshape returns a tensor with the same data and a new shape.
	Reshape(t *RawTensor, newShape Shape) *RawTensor

	// Transpose permutes the axes. With no axes it reverses them.
	Transpose(t *RawTensor, axes ...int) *RawTensor

	Name() string
	Device() Device
}
