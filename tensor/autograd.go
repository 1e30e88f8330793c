package tensor

import (
	"fmt"
)

// reduceGradientToShape sums a gradient over broadcast dimensions so it
// matches the shape of the operand it belongs to.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}

	targetElems := calculateNumElements(targetShape)

	if targetElems == 1 {
		summed, err := Sum(grad)
		if err != nil {
			return nil, err
		}
		return summed.Reshape(targetShape)
	}

	// Trailing-dimension broadcast: fold the leading axes back onto the
	// operand's elements.
	if grad.NumElems%targetElems != 0 {
		return nil, fmt.Errorf("cannot reduce gradient of shape %v to %v", grad.Shape, targetShape)
	}

	result, err := Zeros(targetShape, Float32, grad.Device)
	if err != nil {
		return nil, err
	}

	src := grad.Data.([]float32)
	dst := result.Data.([]float32)
	for i, v := range src {
		dst[i%targetElems] += v
	}

	return result, nil
}

// accumulateGrad adds incoming into t.grad, allocating it on first use.
func accumulateGrad(t *Tensor, incoming *Tensor) error {
	if t.grad == nil {
		clone, err := incoming.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}

	existing := t.grad.Data.([]float32)
	inc := incoming.Data.([]float32)
	if len(existing) != len(inc) {
		return fmt.Errorf("gradient size mismatch: %d vs %d", len(existing), len(inc))
	}
	for i := range existing {
		existing[i] += inc[i]
	}
	return nil
}

// Backward runs reverse-mode autodiff from a single-element tensor,
// accumulating gradients into every reachable tensor with requiresGrad set.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("Backward requires a single-element tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return fmt.Errorf("Backward requires a Float32 tensor, got %s", t.DType)
	}

	seed, err := Ones(t.Shape, Float32, t.Device)
	if err != nil {
		return err
	}

	// Topological order over the creator graph, outputs before inputs.
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)

	grads := make(map[*Tensor]*Tensor)
	grads[t] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut := grads[node]
		if gradOut == nil {
			continue
		}

		if node.requiresGrad {
			if err := accumulateGrad(node, gradOut); err != nil {
				return err
			}
		}

		if node.creator == nil {
			continue
		}

		inputGrads := node.creator.Backward(gradOut)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			if inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				sum, err := Add(existing, inputGrads[j])
				if err != nil {
					return fmt.Errorf("gradient accumulation failed: %v", err)
				}
				grads[in] = sum
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}

	return nil
}

// AddOp implements the Operation interface for tensor addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// Gradient flows unchanged to both inputs, reduced over any broadcast.
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// SubOp implements the Operation interface for tensor subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	// ∂(a - b)/∂b = -1
	negated, err := unary(gradOut, func(v float32) float32 { return -v })
	if err != nil {
		panic(fmt.Sprintf("Failed to negate gradient: %v", err))
	}
	gradB, err := reduceGradientToShape(negated, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MulOp implements the Operation interface for elementwise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	gradATimesB, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("Failed to apply chain rule for input A: %v", err))
	}
	gradA, err := reduceGradientToShape(gradATimesB, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	gradBTimesA, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("Failed to apply chain rule for input B: %v", err))
	}
	gradB, err := reduceGradientToShape(gradBTimesA, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MatMulOp implements the Operation interface for 2D matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// ∂L/∂a = gradOut x b^T, ∂L/∂b = a^T x gradOut
	bT, err := Transpose(b)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose input B: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("Failed to compute gradient for input A: %v", err))
	}

	aT, err := Transpose(a)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose input A: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("Failed to compute gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ReLUOp implements the Operation interface for the ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := ReLU(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad

	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	input := op.inputs[0].Data.([]float32)
	gradData := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, gradOut.Device)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate ReLU gradient: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range out {
		if input[i] > 0 {
			out[i] = gradData[i]
		}
	}

	return []*Tensor{grad}
}

// SigmoidOp implements the Operation interface for the sigmoid activation
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SigmoidOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := Sigmoid(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	op.output = result

	return result
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂σ(x)/∂x = σ(x) * (1 - σ(x))
	s := op.output.Data.([]float32)
	gradData := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, gradOut.Device)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate sigmoid gradient: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range out {
		out[i] = gradData[i] * s[i] * (1 - s[i])
	}

	return []*Tensor{grad}
}

// SqrtOp implements the Operation interface for the elementwise square root
type SqrtOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SqrtOp) Inputs() []*Tensor { return op.inputs }

func (op *SqrtOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SqrtOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := Sqrt(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad
	op.output = result

	return result
}

func (op *SqrtOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂√x/∂x = 1 / (2√x)
	s := op.output.Data.([]float32)
	gradData := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, gradOut.Device)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate sqrt gradient: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range out {
		if s[i] != 0 {
			out[i] = gradData[i] / (2 * s[i])
		}
	}

	return []*Tensor{grad}
}

// SumOp implements the Operation interface for full reduction to a scalar
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SumOp requires exactly 1 input")
	}

	op.inputs = inputs

	result, err := Sum(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = inputs[0].requiresGrad

	return result
}

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	// The scalar gradient broadcasts to every input element.
	g := gradOut.Data.([]float32)[0]

	grad, err := Full(op.inputs[0].Shape, g, Float32, gradOut.Device)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate sum gradient: %v", err))
	}

	return []*Tensor{grad}
}

// ReshapeOp implements the Operation interface for shape changes
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	panic("ReshapeOp is constructed through ReshapeAutograd")
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reshape gradient: %v", err))
	}

	return []*Tensor{grad}
}

// High-level autograd functions that create and execute operations

// AddAutograd performs addition with automatic differentiation
func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

// SubAutograd performs subtraction with automatic differentiation
func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

// MulAutograd performs multiplication with automatic differentiation
func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation
func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

// SigmoidAutograd performs sigmoid activation with automatic differentiation
func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}

// SqrtAutograd performs elementwise square root with automatic differentiation
func SqrtAutograd(a *Tensor) *Tensor {
	op := &SqrtOp{}
	return op.Forward(a)
}

// SumAutograd reduces a tensor to a scalar with automatic differentiation
func SumAutograd(a *Tensor) *Tensor {
	op := &SumOp{}
	return op.Forward(a)
}

// ReshapeAutograd changes a tensor's shape with automatic differentiation
func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	result, err := a.Reshape(shape)
	if err != nil {
		return nil, err
	}

	op := &ReshapeOp{inputs: []*Tensor{a}}
	result.creator = op
	result.requiresGrad = a.requiresGrad

	return result, nil
}
