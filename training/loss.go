package training

import (
	"fmt"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

const (
	lossEpsilon    = 1e-6
	lossEpsilonSqr = lossEpsilon * lossEpsilon
)

// Loss computes a single non-negative scalar, differentiable with respect to
// the model parameters that produced the prediction.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// AlphaPredictionLoss is the matting loss: the masked Charbonnier distance
// between predicted and ground-truth alpha, normalized by the number of
// pixels inside the confidence region.
//
//	L = Σ sqrt(((pred - alpha) * mask)² + ε²) / (Σ mask + ε)
//
// The target carries two channels per pixel: channel 0 is the ground-truth
// alpha, channel 1 the confidence/region mask.
type AlphaPredictionLoss struct{}

func NewAlphaPredictionLoss() *AlphaPredictionLoss {
	return &AlphaPredictionLoss{}
}

// Forward expects predicted [N, P] and target [N, 2, P] with P pixels per
// sample.
func (l *AlphaPredictionLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("predicted alpha must be [batch, pixels], got shape %v", predicted.Shape)
	}
	if len(target.Shape) != 3 || target.Shape[1] != 2 {
		return nil, fmt.Errorf("target must be [batch, 2, pixels], got shape %v", target.Shape)
	}
	if predicted.Shape[0] != target.Shape[0] || predicted.Shape[1] != target.Shape[2] {
		return nil, fmt.Errorf("predicted shape %v does not match target shape %v", predicted.Shape, target.Shape)
	}

	alpha, mask, err := splitLabel(target)
	if err != nil {
		return nil, err
	}

	maskData, _ := mask.GetFloat32Data()
	var numPixels float64
	for _, v := range maskData {
		numPixels += float64(v)
	}

	diff := tensor.SubAutograd(predicted, alpha)
	masked := tensor.MulAutograd(diff, mask)
	squared := tensor.MulAutograd(masked, masked)
	shifted := tensor.AddAutograd(squared, tensor.FromScalar(lossEpsilonSqr, tensor.Float32, predicted.Device))
	rooted := tensor.SqrtAutograd(shifted)
	total := tensor.SumAutograd(rooted)

	scale := 1.0 / (numPixels + lossEpsilon)
	loss := tensor.MulAutograd(total, tensor.FromScalar(scale, tensor.Float32, predicted.Device))

	return loss, nil
}

// splitLabel separates the alpha channel from the confidence/region mask.
// The label is constant with respect to the model, so plain tensors suffice.
func splitLabel(target *tensor.Tensor) (alpha, mask *tensor.Tensor, err error) {
	batch, pixels := target.Shape[0], target.Shape[2]
	data, err := target.GetFloat32Data()
	if err != nil {
		return nil, nil, err
	}

	alphaData := make([]float32, batch*pixels)
	maskData := make([]float32, batch*pixels)
	for n := 0; n < batch; n++ {
		copy(alphaData[n*pixels:(n+1)*pixels], data[n*2*pixels:n*2*pixels+pixels])
		copy(maskData[n*pixels:(n+1)*pixels], data[n*2*pixels+pixels:(n+1)*2*pixels])
	}

	alpha, err = tensor.NewTensor([]int{batch, pixels}, tensor.Float32, target.Device, alphaData)
	if err != nil {
		return nil, nil, err
	}
	mask, err = tensor.NewTensor([]int{batch, pixels}, tensor.Float32, target.Device, maskData)
	if err != nil {
		return nil, nil, err
	}

	return alpha, mask, nil
}
