package training

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/foamliu/Deep-Residual-Matting/checkpoints"
	"github.com/foamliu/Deep-Residual-Matting/events"
)

// Phase identifies where in the epoch state machine the run currently is.
// Failures are reported with the phase they occurred in.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseRunningEpoch
	PhaseEvaluatingValidation
	PhaseEvaluating
	PhaseCheckpointing
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseRunningEpoch:
		return "RUNNING_EPOCH"
	case PhaseEvaluatingValidation:
		return "EVALUATING_VALIDATION"
	case PhaseEvaluating:
		return "EVALUATING"
	case PhaseCheckpointing:
		return "CHECKPOINTING"
	case PhaseTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Config holds the run parameters. It is constructed once, validated before
// the first epoch, and passed by reference into the trainer; there is no
// package-level run state.
type Config struct {
	BatchSize    int
	LearningRate float64
	EndEpoch     int     // terminal epoch (exclusive)
	GradClip     float64 // per-element gradient clamp; 0 disables
	PrintFreq    int     // batch-progress interval; 0 disables
	Seed         int64
	Resume       string // checkpoint path to restore; empty starts fresh

	PrefetchDepth int         // bounded prefetch queue depth; 0 means 1
	Scheduler     LRScheduler // optional; nil keeps the base rate
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return &ConfigurationError{Field: "BatchSize", Reason: fmt.Sprintf("must be positive, got %d", c.BatchSize)}
	}
	if c.LearningRate <= 0 {
		return &ConfigurationError{Field: "LearningRate", Reason: fmt.Sprintf("must be positive, got %v", c.LearningRate)}
	}
	if c.EndEpoch <= 0 {
		return &ConfigurationError{Field: "EndEpoch", Reason: fmt.Sprintf("must be positive, got %d", c.EndEpoch)}
	}
	if c.GradClip < 0 {
		return &ConfigurationError{Field: "GradClip", Reason: fmt.Sprintf("must be non-negative, got %v", c.GradClip)}
	}
	if c.PrintFreq < 0 {
		return &ConfigurationError{Field: "PrintFreq", Reason: fmt.Sprintf("must be non-negative, got %d", c.PrintFreq)}
	}
	return nil
}

// Trainer owns the epoch loop and the best-score/stall bookkeeping. A
// single goroutine drives the whole run; nothing here needs a lock because
// the training state has exactly one owner for the run's lifetime.
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	evaluator Evaluator
	store     *checkpoints.Store
	sink      events.Sink
	config    *Config

	phase         Phase
	epoch         int
	bestScore     float64
	stallCount    int
	lastPersisted int
}

func NewTrainer(
	model Module,
	optimizer Optimizer,
	criterion Loss,
	evaluator Evaluator,
	store *checkpoints.Store,
	sink events.Sink,
	config *Config,
) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Nop{}
	}

	return &Trainer{
		model:         model,
		optimizer:     optimizer,
		criterion:     criterion,
		evaluator:     evaluator,
		store:         store,
		sink:          sink,
		config:        config,
		phase:         PhaseInitializing,
		bestScore:     math.Inf(1),
		lastPersisted: -1,
	}, nil
}

// Phase returns the state-machine phase the trainer is currently in.
func (t *Trainer) Phase() Phase {
	return t.phase
}

// BestScore returns the best evaluation MSE seen so far.
func (t *Trainer) BestScore() float64 {
	return t.bestScore
}

// StallCount returns the number of consecutive epochs without improvement.
// It is bookkeeping only: the loop runs to the terminal epoch regardless,
// and any stricter stopping policy belongs in configuration above this
// layer.
func (t *Trainer) StallCount() int {
	return t.stallCount
}

// fail wraps an error with the current phase and the safe resume point.
func (t *Trainer) fail(err error) error {
	return &RunError{
		Phase:              t.phase,
		LastPersistedEpoch: t.lastPersisted,
		Err:                err,
	}
}

// Train runs the epoch loop to the configured terminal epoch. validLoader
// may be nil; when present, a validation pass runs between training and
// evaluation each epoch.
func (t *Trainer) Train(trainLoader, validLoader *DataLoader) error {
	t.phase = PhaseInitializing

	startEpoch := 0
	if t.config.Resume != "" {
		state, err := checkpoints.Load(t.config.Resume)
		if err != nil {
			return t.fail(err)
		}
		if err := checkpoints.LoadWeights(state.Weights, t.model.StateDict()); err != nil {
			return t.fail(fmt.Errorf("failed to restore model weights: %v", err))
		}
		if err := t.optimizer.LoadStateDict(state.Optimizer); err != nil {
			return t.fail(fmt.Errorf("failed to restore optimizer state: %v", err))
		}

		startEpoch = state.Epoch + 1
		t.bestScore = state.BestScore
		t.stallCount = state.EpochsSinceImprovement
		t.lastPersisted = state.Epoch
		log.Printf("resumed from %s at epoch %d (best score %.6f, %d epochs since improvement)",
			t.config.Resume, startEpoch, t.bestScore, t.stallCount)
	}

	for epoch := startEpoch; epoch < t.config.EndEpoch; epoch++ {
		t.epoch = epoch

		if t.config.Scheduler != nil {
			t.optimizer.SetLR(t.config.Scheduler.GetLR(epoch, t.config.LearningRate))
		}

		t.phase = PhaseRunningEpoch
		epochStart := time.Now()
		trainLoss, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return t.fail(err)
		}

		effectiveLR := EffectiveLearningRate(t.optimizer)
		fmt.Printf("Current effective learning rate: %v\n", effectiveLR)
		t.sink.AddScalar("model/train_loss", trainLoss, epoch)
		t.sink.AddScalar("model/learning_rate", effectiveLR, epoch)

		if validLoader != nil {
			t.phase = PhaseEvaluatingValidation
			validLoss, err := t.validateEpoch(validLoader, epoch)
			if err != nil {
				return t.fail(err)
			}
			t.sink.AddScalar("model/valid_loss", validLoss, epoch)
		}

		t.phase = PhaseEvaluating
		sad, mse, err := t.evaluator.Evaluate(t.model)
		if err != nil {
			return t.fail(err)
		}
		t.sink.AddScalar("model/sad_loss", sad, epoch)
		t.sink.AddScalar("model/mse_loss", mse, epoch)
		log.Printf("Test: SAD %.4f MSE %.4f", sad, mse)

		t.phase = PhaseCheckpointing
		// Strict improvement only: an equal score is a stall, not a new best.
		isBest := mse < t.bestScore
		if isBest {
			t.bestScore = mse
			t.stallCount = 0
		} else {
			t.stallCount++
			fmt.Printf("\nEpochs since last improvement: %d\n", t.stallCount)
		}

		if err := t.saveCheckpoint(epoch, isBest); err != nil {
			return t.fail(err)
		}
		t.lastPersisted = epoch

		log.Printf("epoch %d done in %v: train loss %.4f", epoch, time.Since(epochStart).Round(time.Millisecond), trainLoss)
	}

	t.phase = PhaseTerminated
	return nil
}

// trainEpoch drives one pass over the training data: forward, loss,
// backward, clip, step for every batch, with progress lines at the
// configured interval.
func (t *Trainer) trainEpoch(loader *DataLoader, epoch int) (float64, error) {
	t.model.Train()

	losses := NewAverageMeter()
	numBatches := loader.Len()

	stream := loader.Stream(context.Background(), epoch, t.config.PrefetchDepth)
	defer stream.Close()

	for i := 0; ; i++ {
		batch, err := stream.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		loss, err := t.trainBatch(batch, epoch, i)
		if err != nil {
			return 0, err
		}

		losses.Update(loss)

		if t.config.PrintFreq > 0 && i%t.config.PrintFreq == 0 {
			fmt.Printf("Epoch: [%d][%d/%d]\tLoss %s\n", epoch, i, numBatches, losses)
		}
	}

	return losses.Average(), nil
}

// trainBatch runs forward/backward/clip/step for one batch and returns the
// scalar loss. A non-finite loss aborts before any parameter update.
func (t *Trainer) trainBatch(batch *Batch, epoch, batchIdx int) (float64, error) {
	t.optimizer.ZeroGrad()

	n := batch.Images.Shape[0]

	// Flatten images for the model, and split the label tensor's alpha and
	// confidence channels into [N, 2, pixels] form.
	input, err := batch.Images.Reshape([]int{n, batch.Images.NumElems / n})
	if err != nil {
		return 0, fmt.Errorf("failed to reshape batch images: %v", err)
	}
	labels, err := batch.Labels.Reshape([]int{n, 2, batch.Labels.NumElems / (2 * n)})
	if err != nil {
		return 0, fmt.Errorf("failed to reshape batch labels: %v", err)
	}

	output, err := t.model.Forward(input)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %v", err)
	}

	loss, err := t.criterion.Forward(output, labels)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %v", err)
	}

	lossValue, err := loss.Item()
	if err != nil {
		return 0, fmt.Errorf("failed to read loss value: %v", err)
	}
	scalarLoss := float64(lossValue.(float32))
	if math.IsNaN(scalarLoss) || math.IsInf(scalarLoss, 0) {
		return 0, &NumericDivergenceError{Epoch: epoch, Batch: batchIdx, Value: scalarLoss}
	}

	if err := loss.Backward(); err != nil {
		return 0, fmt.Errorf("backward pass failed: %v", err)
	}

	// Clamp gradients strictly between backward and the parameter update.
	ClipGradients(t.optimizer.ParamGroups(), t.config.GradClip)

	if err := t.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %v", err)
	}

	return scalarLoss, nil
}

// validateEpoch runs a forward-only pass over the validation data.
func (t *Trainer) validateEpoch(loader *DataLoader, epoch int) (float64, error) {
	t.model.Eval()
	defer t.model.Train()

	losses := NewAverageMeter()

	loader.Reset(epoch)
	for {
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		n := batch.Images.Shape[0]
		input, err := batch.Images.Reshape([]int{n, batch.Images.NumElems / n})
		if err != nil {
			return 0, err
		}
		labels, err := batch.Labels.Reshape([]int{n, 2, batch.Labels.NumElems / (2 * n)})
		if err != nil {
			return 0, err
		}

		output, err := t.model.Forward(input)
		if err != nil {
			return 0, fmt.Errorf("validation forward pass failed: %v", err)
		}
		loss, err := t.criterion.Forward(output, labels)
		if err != nil {
			return 0, fmt.Errorf("validation loss computation failed: %v", err)
		}
		lossValue, err := loss.Item()
		if err != nil {
			return 0, err
		}
		losses.Update(float64(lossValue.(float32)))
	}

	log.Printf("Validation: Loss %.4f", losses.Average())
	return losses.Average(), nil
}

// saveCheckpoint persists the full training state to the "latest" slot, and
// to the "best" slot when this epoch improved the tracked score.
func (t *Trainer) saveCheckpoint(epoch int, isBest bool) error {
	weights, err := checkpoints.ExtractWeights(t.model.StateDict())
	if err != nil {
		return fmt.Errorf("failed to extract model weights: %v", err)
	}

	optState, err := t.optimizer.StateDict()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %v", err)
	}

	state := &checkpoints.TrainingState{
		Epoch:                  epoch,
		EpochsSinceImprovement: t.stallCount,
		BestScore:              t.bestScore,
		Weights:                weights,
		Optimizer:              optState,
	}

	return t.store.Save(state, isBest)
}
