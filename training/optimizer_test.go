package training

import (
	"math"
	"testing"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

func newParam(t *testing.T, data []float32, grad []float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{len(data)}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("Failed to create parameter: %v", err)
	}
	p.SetRequiresGrad(true)

	if grad != nil {
		// Run a tiny graph so the parameter carries the wanted gradient.
		g, err := tensor.NewTensor([]int{len(grad)}, tensor.Float32, tensor.CPU, grad)
		if err != nil {
			t.Fatalf("Failed to create gradient source: %v", err)
		}
		loss := tensor.SumAutograd(tensor.MulAutograd(p, g))
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}
	return p
}

// TestSGDStep tests the plain gradient descent update
func TestSGDStep(t *testing.T) {
	p := newParam(t, []float32{1, 2, 3}, []float32{0.5, 1.0, 1.5})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	expected := []float32{0.95, 1.9, 2.85}
	data := p.Data.([]float32)
	for i, want := range expected {
		if math.Abs(float64(data[i]-want)) > 1e-5 {
			t.Errorf("param[%d]: expected %f, got %f", i, want, data[i])
		}
	}
}

// TestSGDMomentum tests velocity accumulation over two steps
func TestSGDMomentum(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{1})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9)

	// First step: v = 1, p = 1 - 0.1
	if err := sgd.Step(); err != nil {
		t.Fatalf("First step failed: %v", err)
	}
	data := p.Data.([]float32)
	if math.Abs(float64(data[0]-0.9)) > 1e-5 {
		t.Fatalf("After first step: expected 0.9, got %f", data[0])
	}

	// Second step with the same gradient: v = 0.9 + 1 = 1.9, p = 0.9 - 0.19
	if err := sgd.Step(); err != nil {
		t.Fatalf("Second step failed: %v", err)
	}
	if math.Abs(float64(data[0]-0.71)) > 1e-5 {
		t.Errorf("After second step: expected 0.71, got %f", data[0])
	}
}

// TestSGDSkipsParamsWithoutGrad tests that untouched parameters stay put
func TestSGDSkipsParamsWithoutGrad(t *testing.T) {
	p := newParam(t, []float32{5}, nil)
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if p.Data.([]float32)[0] != 5 {
		t.Errorf("Parameter without gradient changed: %f", p.Data.([]float32)[0])
	}
}

// TestAdamStep tests the first Adam update against the closed form: with
// bias correction, the very first step moves each parameter by ~lr.
func TestAdamStep(t *testing.T) {
	p := newParam(t, []float32{1, 1}, []float32{2, -3})
	adam := NewAdam([]*tensor.Tensor{p}, 0.01)

	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	data := p.Data.([]float32)
	if math.Abs(float64(data[0]-0.99)) > 1e-4 {
		t.Errorf("param[0]: expected ~0.99, got %f", data[0])
	}
	if math.Abs(float64(data[1]-1.01)) > 1e-4 {
		t.Errorf("param[1]: expected ~1.01, got %f", data[1])
	}
}

// TestOptimizerSetLR tests group-wide learning rate updates
func TestOptimizerSetLR(t *testing.T) {
	p := newParam(t, []float32{1}, nil)

	optimizers := []Optimizer{
		NewSGD([]*tensor.Tensor{p}, 0.1, 0),
		NewAdam([]*tensor.Tensor{p}, 0.1),
	}

	for _, opt := range optimizers {
		opt.SetLR(0.05)
		groups := opt.ParamGroups()
		if len(groups) != 1 {
			t.Fatalf("Expected 1 param group, got %d", len(groups))
		}
		if groups[0].LR != 0.05 {
			t.Errorf("Expected LR 0.05 after SetLR, got %f", groups[0].LR)
		}
	}
}

// TestAdamStateRoundTrip tests that moment buffers and the step counter
// survive a StateDict/LoadStateDict round trip.
func TestAdamStateRoundTrip(t *testing.T) {
	p := newParam(t, []float32{1, 2}, []float32{0.5, -0.5})
	adam := NewAdam([]*tensor.Tensor{p}, 0.01)

	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	state, err := adam.StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}
	if state.Type != "Adam" {
		t.Errorf("Expected type Adam, got %s", state.Type)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected 2 optimizer tensors (m and v), got %d", len(state.StateData))
	}

	restored := NewAdam([]*tensor.Tensor{p}, 0.5)
	if err := restored.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}

	if restored.lr != 0.01 {
		t.Errorf("Expected restored lr 0.01, got %f", restored.lr)
	}
	if restored.step != 1 {
		t.Errorf("Expected restored step 1, got %d", restored.step)
	}
	for j := range adam.m[0] {
		if restored.m[0][j] != adam.m[0][j] {
			t.Errorf("m[%d]: expected %f, got %f", j, adam.m[0][j], restored.m[0][j])
		}
		if restored.v[0][j] != adam.v[0][j] {
			t.Errorf("v[%d]: expected %f, got %f", j, adam.v[0][j], restored.v[0][j])
		}
	}
}

// TestSGDStateRoundTrip tests momentum velocity restore
func TestSGDStateRoundTrip(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{1})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9)

	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	state, err := sgd.StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}

	restored := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9)
	if err := restored.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	if restored.velocities[0][0] != sgd.velocities[0][0] {
		t.Errorf("Expected restored velocity %f, got %f", sgd.velocities[0][0], restored.velocities[0][0])
	}
}

// TestLoadStateDictTypeMismatch tests cross-optimizer restore rejection
func TestLoadStateDictTypeMismatch(t *testing.T) {
	p := newParam(t, []float32{1}, nil)

	sgdState, err := NewSGD([]*tensor.Tensor{p}, 0.1, 0).StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}

	adam := NewAdam([]*tensor.Tensor{p}, 0.1)
	if err := adam.LoadStateDict(sgdState); err == nil {
		t.Error("Expected error loading SGD state into Adam")
	}
}
