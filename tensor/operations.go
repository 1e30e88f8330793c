package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// broadcastShapes resolves the output shape for an elementwise binary op.
// Supported forms: identical shapes, a single-element tensor on either side,
// or a right operand whose shape equals the trailing dimensions of the left
// (the bias-add case).
func broadcastShapes(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if shapesEqual(shape1, shape2) {
		return shape1, nil
	}

	if calculateNumElements(shape2) == 1 {
		return shape1, nil
	}
	if calculateNumElements(shape1) == 1 {
		return shape2, nil
	}

	if len(shape2) < len(shape1) && shapesEqual(shape1[len(shape1)-len(shape2):], shape2) {
		return shape1, nil
	}

	return nil, fmt.Errorf("tensor shapes are not broadcast-compatible: %v vs %v", shape1, shape2)
}

// elementAt returns the element of data belonging to flat output index i,
// given the operand's shape relative to the output shape.
func elementAt(data []float32, i int, operandElems, outputElems int) float32 {
	if operandElems == outputElems {
		return data[i]
	}
	if operandElems == 1 {
		return data[0]
	}
	// Trailing-dimension broadcast: the operand repeats along the leading axes.
	return data[i%operandElems]
}

func elementwise(t1, t2 *Tensor, f func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for elementwise op: %s", t1.DType)
	}

	outputShape, err := broadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := range resultData {
		a := elementAt(data1, i, t1.NumElems, result.NumElems)
		b := elementAt(data2, i, t2.NumElems, result.NumElems)
		resultData[i] = f(a, b)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a / b })
}

func unary(t *Tensor, f func(a float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for unary op: %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := range resultData {
		resultData[i] = f(data[i])
	}

	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 {
		if a > 0 {
			return a
		}
		return 0
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(a))))
	})
}

func Sqrt(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 {
		return float32(math.Sqrt(float64(a)))
	})
}

func Abs(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 {
		if a < 0 {
			return -a
		}
		return a
	})
}

// Sum reduces a tensor to a single-element tensor of shape [1].
func Sum(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	data := t.Data.([]float32)
	var total float64
	for _, v := range data {
		total += float64(v)
	}

	return NewTensor([]int{1}, Float32, t.Device, []float32{float32(total)})
}

// MatMul computes the product of two 2D tensors: [m,k] x [k,n] -> [m,n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("MatMul dimension mismatch: %v x %v", t1.Shape, t2.Shape)
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]

	result, err := Zeros([]int{m, n}, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	c := result.Data.([]float32)

	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				c[i*n+j] += av * b[p*n+j]
			}
		}
	}

	return result, nil
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	rows, cols := t.Shape[0], t.Shape[1]

	result, err := Zeros([]int{cols, rows}, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}

	return result, nil
}
