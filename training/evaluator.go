package training

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Evaluator scores a model against a fixed evaluation set. It must not
// mutate training state: the scores feed best-model bookkeeping only, never
// parameter updates.
type Evaluator interface {
	Evaluate(model Module) (sad, mse float64, err error)
}

// DatasetEvaluator computes aggregate SAD and MSE over every sample of a
// fixed dataset. Samples are scored in parallel; the forward pass only
// reads model parameters, so concurrent evaluation is safe once the model
// is in eval mode.
type DatasetEvaluator struct {
	dataset Dataset
	workers int
}

func NewDatasetEvaluator(dataset Dataset, workers int) *DatasetEvaluator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &DatasetEvaluator{
		dataset: dataset,
		workers: workers,
	}
}

func (e *DatasetEvaluator) Evaluate(model Module) (float64, float64, error) {
	wasTraining := model.IsTraining()
	model.Eval()
	defer func() {
		if wasTraining {
			model.Train()
		}
	}()

	n := e.dataset.Len()
	if n == 0 {
		return 0, 0, fmt.Errorf("evaluation dataset is empty")
	}

	var mu sync.Mutex
	var sadSum, mseSum float64

	var g errgroup.Group
	g.SetLimit(e.workers)

	for idx := 0; idx < n; idx++ {
		idx := idx
		g.Go(func() error {
			sad, mse, err := e.evaluateSample(model, idx)
			if err != nil {
				return err
			}
			mu.Lock()
			sadSum += sad
			mseSum += mse
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	return sadSum / float64(n), mseSum / float64(n), nil
}

func (e *DatasetEvaluator) evaluateSample(model Module, idx int) (float64, float64, error) {
	image, label, err := e.dataset.Get(idx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load evaluation sample %d: %v", idx, err)
	}

	input, err := image.Reshape([]int{1, image.NumElems})
	if err != nil {
		return 0, 0, err
	}

	output, err := model.Forward(input)
	if err != nil {
		return 0, 0, fmt.Errorf("evaluation forward pass failed on sample %d: %v", idx, err)
	}

	predicted, err := output.GetFloat32Data()
	if err != nil {
		return 0, 0, err
	}

	labelData, err := label.GetFloat32Data()
	if err != nil {
		return 0, 0, err
	}
	if len(label.Shape) < 2 || label.Shape[0] != 2 {
		return 0, 0, fmt.Errorf("evaluation label must have a leading alpha/mask axis of 2, got shape %v", label.Shape)
	}
	pixels := label.NumElems / 2
	alpha := labelData[:pixels]
	mask := labelData[pixels : 2*pixels]

	if len(predicted) != pixels {
		return 0, 0, fmt.Errorf("predicted alpha has %d pixels, label has %d", len(predicted), pixels)
	}

	sad, err := ComputeSAD(predicted, alpha)
	if err != nil {
		return 0, 0, err
	}
	mse, err := ComputeMSE(predicted, alpha, mask)
	if err != nil {
		return 0, 0, err
	}

	return sad, mse, nil
}
