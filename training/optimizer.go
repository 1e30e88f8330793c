package training

import (
	"fmt"
	"math"

	"github.com/foamliu/Deep-Residual-Matting/checkpoints"
	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

// ParamGroup is one group of parameters sharing an effective step size.
type ParamGroup struct {
	Params []*tensor.Tensor
	LR     float64
}

// Optimizer is the parameter-update collaborator. Gradient buffers stay
// reachable through ParamGroups so the gradient limiter can clamp them in
// place between the backward pass and Step.
type Optimizer interface {
	Step() error
	ZeroGrad()
	ParamGroups() []ParamGroup
	SetLR(lr float64)
	StateDict() (*checkpoints.OptimizerState, error)
	LoadStateDict(state *checkpoints.OptimizerState) error
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	params       []*tensor.Tensor
	learningRate float64
	momentum     float64
	velocities   [][]float32
}

func NewSGD(params []*tensor.Tensor, lr, momentum float64) *SGD {
	velocities := make([][]float32, len(params))
	if momentum > 0 {
		for i, p := range params {
			velocities[i] = make([]float32, p.NumElems)
		}
	}

	return &SGD{
		params:       params,
		learningRate: lr,
		momentum:     momentum,
		velocities:   velocities,
	}
}

func (sgd *SGD) Step() error {
	for i, param := range sgd.params {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter access failed: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient access failed: %v", err)
		}

		if sgd.momentum > 0 {
			v := sgd.velocities[i]
			for j := range data {
				v[j] = float32(sgd.momentum)*v[j] + grad[j]
				data[j] -= float32(sgd.learningRate) * v[j]
			}
		} else {
			for j := range data {
				data[j] -= float32(sgd.learningRate) * grad[j]
			}
		}
	}

	return nil
}

func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.params)
}

func (sgd *SGD) ParamGroups() []ParamGroup {
	return []ParamGroup{{Params: sgd.params, LR: sgd.learningRate}}
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}

func (sgd *SGD) StateDict() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"lr":       sgd.learningRate,
			"momentum": sgd.momentum,
		},
	}

	if sgd.momentum > 0 {
		for i, v := range sgd.velocities {
			state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("param%d", i),
				Shape:     append([]int{}, sgd.params[i].Shape...),
				Data:      append([]float32{}, v...),
				StateType: "momentum",
			})
		}
	}

	return state, nil
}

func (sgd *SGD) LoadStateDict(state *checkpoints.OptimizerState) error {
	if state.Type != "SGD" {
		return fmt.Errorf("optimizer type mismatch: saved %s, have SGD", state.Type)
	}

	sgd.learningRate = state.Parameters["lr"]
	sgd.momentum = state.Parameters["momentum"]

	if sgd.momentum > 0 {
		if len(state.StateData) != len(sgd.params) {
			return fmt.Errorf("momentum buffer count mismatch: saved %d, have %d", len(state.StateData), len(sgd.params))
		}
		for i, st := range state.StateData {
			if len(st.Data) != sgd.params[i].NumElems {
				return fmt.Errorf("momentum buffer size mismatch for %s: %d vs %d", st.Name, len(st.Data), sgd.params[i].NumElems)
			}
			sgd.velocities[i] = append([]float32{}, st.Data...)
		}
	}

	return nil
}

// Adam implements the Adam optimizer.
type Adam struct {
	params []*tensor.Tensor
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int64
	m      [][]float32
	v      [][]float32
}

func NewAdam(params []*tensor.Tensor, lr float64) *Adam {
	adam := &Adam{
		params: params,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}

	for i, p := range params {
		adam.m[i] = make([]float32, p.NumElems)
		adam.v[i] = make([]float32, p.NumElems)
	}

	return adam
}

func (adam *Adam) Step() error {
	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.params {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter access failed: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient access failed: %v", err)
		}

		m, v := adam.m[i], adam.v[i]
		for j := range data {
			g := float64(grad[j])
			m[j] = float32(adam.beta1*float64(m[j]) + (1-adam.beta1)*g)
			v[j] = float32(adam.beta2*float64(v[j]) + (1-adam.beta2)*g*g)

			mHat := float64(m[j]) / bias1
			vHat := float64(v[j]) / bias2
			data[j] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.params)
}

func (adam *Adam) ParamGroups() []ParamGroup {
	return []ParamGroup{{Params: adam.params, LR: adam.lr}}
}

func (adam *Adam) SetLR(lr float64) {
	adam.lr = lr
}

func (adam *Adam) StateDict() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"lr":    adam.lr,
			"beta1": adam.beta1,
			"beta2": adam.beta2,
			"eps":   adam.eps,
			"step":  float64(adam.step),
		},
	}

	for i := range adam.params {
		shape := append([]int{}, adam.params[i].Shape...)
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("param%d", i),
				Shape:     shape,
				Data:      append([]float32{}, adam.m[i]...),
				StateType: "m",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("param%d", i),
				Shape:     shape,
				Data:      append([]float32{}, adam.v[i]...),
				StateType: "v",
			},
		)
	}

	return state, nil
}

func (adam *Adam) LoadStateDict(state *checkpoints.OptimizerState) error {
	if state.Type != "Adam" {
		return fmt.Errorf("optimizer type mismatch: saved %s, have Adam", state.Type)
	}
	if len(state.StateData) != 2*len(adam.params) {
		return fmt.Errorf("moment buffer count mismatch: saved %d, have %d params", len(state.StateData), len(adam.params))
	}

	adam.lr = state.Parameters["lr"]
	adam.beta1 = state.Parameters["beta1"]
	adam.beta2 = state.Parameters["beta2"]
	adam.eps = state.Parameters["eps"]
	adam.step = int64(state.Parameters["step"])

	for _, st := range state.StateData {
		var idx int
		if _, err := fmt.Sscanf(st.Name, "param%d", &idx); err != nil {
			return fmt.Errorf("unrecognized optimizer tensor name %q", st.Name)
		}
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("optimizer tensor %q out of range", st.Name)
		}
		if len(st.Data) != adam.params[idx].NumElems {
			return fmt.Errorf("moment buffer size mismatch for %s: %d vs %d", st.Name, len(st.Data), adam.params[idx].NumElems)
		}

		switch st.StateType {
		case "m":
			adam.m[idx] = append([]float32{}, st.Data...)
		case "v":
			adam.v[idx] = append([]float32{}, st.Data...)
		default:
			return fmt.Errorf("unrecognized optimizer state type %q", st.StateType)
		}
	}

	return nil
}
