package training

import (
	"fmt"
)

// AverageMeter keeps a running mean of scalar observations: one training
// loss per batch, read back at the logging interval and at epoch end.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

func NewAverageMeter() *AverageMeter {
	return &AverageMeter{}
}

// Update appends one observation.
func (m *AverageMeter) Update(value float64) {
	m.Val = value
	m.Sum += value
	m.Count++
	m.Avg = m.Sum / float64(m.Count)
}

// Average returns the running mean since the last reset.
func (m *AverageMeter) Average() float64 {
	return m.Avg
}

// Reset clears all accumulated state.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

func (m *AverageMeter) String() string {
	return fmt.Sprintf("%.4f (%.4f)", m.Val, m.Avg)
}

// sadScale keeps SAD values in the conventional range (thousands of pixels
// of absolute error are reported in units of 1000).
const sadScale = 1000.0

// ComputeSAD returns the sum of absolute differences between a predicted
// and ground-truth alpha map, scaled by 1/1000.
func ComputeSAD(predicted, alpha []float32) (float64, error) {
	if len(predicted) != len(alpha) {
		return 0, fmt.Errorf("alpha map length mismatch: %d vs %d", len(predicted), len(alpha))
	}

	var sum float64
	for i := range predicted {
		d := float64(predicted[i]) - float64(alpha[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}

	return sum / sadScale, nil
}

// ComputeMSE returns the mean squared error between a predicted and
// ground-truth alpha map, restricted to the region where mask is nonzero
// (the trimap's unknown region).
func ComputeMSE(predicted, alpha, mask []float32) (float64, error) {
	if len(predicted) != len(alpha) || len(predicted) != len(mask) {
		return 0, fmt.Errorf("alpha map length mismatch: %d, %d, %d", len(predicted), len(alpha), len(mask))
	}

	var sum, region float64
	for i := range predicted {
		d := float64(predicted[i]) - float64(alpha[i])
		sum += d * d * float64(mask[i])
		region += float64(mask[i])
	}

	if region == 0 {
		return 0, nil
	}
	return sum / region, nil
}
