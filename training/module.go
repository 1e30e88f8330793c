package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

// Global random source for deterministic weight initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization. Call before constructing any modules.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is the model collaborator driven by the trainer. A module's state
// dict must fully describe its learnable state so it can travel inside a
// checkpoint.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	StateDict() map[string]*tensor.Tensor
	Train() // training mode
	Eval()  // evaluation mode
	IsTraining() bool
}

// Linear implements a fully connected layer: y = xW + b
type Linear struct {
	name     string
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform init.
func NewLinear(name string, inputSize, outputSize int, bias bool) (*Linear, error) {
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		name:     name,
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}

	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output := tensor.MatMulAutograd(input, l.weight)

	if l.bias != nil {
		output = tensor.AddAutograd(output, l.bias)
	}

	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias != nil {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

func (l *Linear) StateDict() map[string]*tensor.Tensor {
	dict := map[string]*tensor.Tensor{
		l.name + ".weight": l.weight,
	}
	if l.bias != nil {
		dict[l.name+".bias"] = l.bias
	}
	return dict
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLULayer applies the rectified linear activation.
type ReLULayer struct {
	training bool
}

func NewReLU() *ReLULayer {
	return &ReLULayer{training: true}
}

func (r *ReLULayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLULayer) Parameters() []*tensor.Tensor         { return nil }
func (r *ReLULayer) StateDict() map[string]*tensor.Tensor { return map[string]*tensor.Tensor{} }
func (r *ReLULayer) Train()                               { r.training = true }
func (r *ReLULayer) Eval()                                { r.training = false }
func (r *ReLULayer) IsTraining() bool                     { return r.training }

// SigmoidLayer squashes activations into (0, 1). The matting head ends with
// one so the output reads as a per-pixel opacity.
type SigmoidLayer struct {
	training bool
}

func NewSigmoid() *SigmoidLayer {
	return &SigmoidLayer{training: true}
}

func (s *SigmoidLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SigmoidAutograd(input), nil
}

func (s *SigmoidLayer) Parameters() []*tensor.Tensor         { return nil }
func (s *SigmoidLayer) StateDict() map[string]*tensor.Tensor { return map[string]*tensor.Tensor{} }
func (s *SigmoidLayer) Train()                               { s.training = true }
func (s *SigmoidLayer) Eval()                                { s.training = false }
func (s *SigmoidLayer) IsTraining() bool                     { return s.training }

// Sequential chains modules, feeding each output into the next.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for i, m := range s.modules {
		output, err = m.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("forward failed in module %d: %v", i, err)
		}
	}
	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) StateDict() map[string]*tensor.Tensor {
	dict := make(map[string]*tensor.Tensor)
	for _, m := range s.modules {
		for name, t := range m.StateDict() {
			dict[name] = t
		}
	}
	return dict
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// NewMattingHead builds the trainable alpha-prediction head. Input is a
// flattened 4-channel patch [N, 4*size*size] (RGB plus trimap), output a
// flat alpha map [N, size*size] in (0, 1).
func NewMattingHead(size, hidden int) (Module, error) {
	inFeatures := 4 * size * size
	outFeatures := size * size

	fc1, err := NewLinear("fc1", inFeatures, hidden, true)
	if err != nil {
		return nil, err
	}
	fc2, err := NewLinear("fc2", hidden, outFeatures, true)
	if err != nil {
		return nil, err
	}

	return NewSequential(fc1, NewReLU(), fc2, NewSigmoid()), nil
}
