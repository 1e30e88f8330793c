package training

import (
	"testing"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

// TestClipGradients tests per-element clamping into [-clip, +clip]
func TestClipGradients(t *testing.T) {
	p := newParam(t, []float32{0, 0, 0, 0}, []float32{3.0, -2.5, 0.5, 1.0})
	groups := []ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}}

	before := append([]float32{}, p.Data.([]float32)...)

	ClipGradients(groups, 1.0)

	grad := p.Grad().Data.([]float32)
	expected := []float32{1.0, -1.0, 0.5, 1.0}
	for i, want := range expected {
		if grad[i] != want {
			t.Errorf("grad[%d]: expected %f, got %f", i, want, grad[i])
		}
	}

	// Clamping touches gradients only, never parameter values
	after := p.Data.([]float32)
	for i := range before {
		if after[i] != before[i] {
			t.Errorf("param[%d] changed from %f to %f", i, before[i], after[i])
		}
	}
}

// TestClipGradientsDisabled tests that a non-positive threshold is a no-op
func TestClipGradientsDisabled(t *testing.T) {
	for _, clip := range []float64{0, -1} {
		p := newParam(t, []float32{0}, []float32{10})
		groups := []ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}}

		ClipGradients(groups, clip)

		if got := p.Grad().Data.([]float32)[0]; got != 10 {
			t.Errorf("clip=%v: expected untouched gradient 10, got %f", clip, got)
		}
	}
}

// TestClipGradientsNilGrad tests parameters without gradients are skipped
func TestClipGradientsNilGrad(t *testing.T) {
	p := newParam(t, []float32{1}, nil)
	groups := []ParamGroup{{Params: []*tensor.Tensor{p}, LR: 0.1}}

	// Must not panic
	ClipGradients(groups, 1.0)
}
