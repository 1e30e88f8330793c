package training

import (
	"errors"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/foamliu/Deep-Residual-Matting/checkpoints"
	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

// scriptedEvaluator returns a fixed sequence of MSE scores, one per epoch.
type scriptedEvaluator struct {
	mses  []float64
	calls int
}

func (e *scriptedEvaluator) Evaluate(model Module) (float64, float64, error) {
	if e.calls >= len(e.mses) {
		return 0, 0, errors.New("scripted evaluator exhausted")
	}
	mse := e.mses[e.calls]
	e.calls++
	return mse * 10, mse, nil
}

// recordingSink captures scalar events by tag.
type recordingSink struct {
	mu      sync.Mutex
	scalars map[string][]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{scalars: make(map[string][]float64)}
}

func (s *recordingSink) AddScalar(tag string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars[tag] = append(s.scalars[tag], value)
}

// newTestTrainer assembles a small but real training stack: a 2x2 matting
// head over the synthetic evaluation dataset, SGD, and a scripted evaluator.
func newTestTrainer(t *testing.T, dir string, mses []float64, config *Config) (*Trainer, *DataLoader, *scriptedEvaluator, *recordingSink) {
	t.Helper()

	SetRandomSeed(7)
	model, err := NewMattingHead(2, 4)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	ds := &evalDataset{n: 4, pixels: 4, alpha: 0.5, mask: 1}
	loader, err := NewDataLoader(ds, 2, true, 7)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	store, err := checkpoints.NewStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	evaluator := &scriptedEvaluator{mses: mses}
	sink := newRecordingSink()

	optimizer := NewSGD(model.Parameters(), config.LearningRate, 0)
	trainer, err := NewTrainer(model, optimizer, NewAlphaPredictionLoss(), evaluator, store, sink, config)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	return trainer, loader, evaluator, sink
}

func loadState(t *testing.T, path string) *checkpoints.TrainingState {
	t.Helper()
	state, err := checkpoints.Load(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint %s: %v", path, err)
	}
	return state
}

// TestTrainerBestAndStallBookkeeping runs three epochs with scripted scores
// 0.05, 0.06, 0.04: improvement, stall, improvement.
func TestTrainerBestAndStallBookkeeping(t *testing.T) {
	dir := t.TempDir()
	config := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 3, GradClip: 5, Seed: 7}
	trainer, loader, evaluator, sink := newTestTrainer(t, dir, []float64{0.05, 0.06, 0.04}, config)

	if err := trainer.Train(loader, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if trainer.Phase() != PhaseTerminated {
		t.Errorf("Expected TERMINATED, got %s", trainer.Phase())
	}
	if evaluator.calls != 3 {
		t.Errorf("Expected 3 evaluation calls, got %d", evaluator.calls)
	}
	if trainer.BestScore() != 0.04 {
		t.Errorf("Expected best score 0.04, got %v", trainer.BestScore())
	}
	if trainer.StallCount() != 0 {
		t.Errorf("Expected stall count 0 after final improvement, got %d", trainer.StallCount())
	}

	latest := loadState(t, trainer.store.LatestPath())
	if latest.Epoch != 2 {
		t.Errorf("Expected latest epoch 2, got %d", latest.Epoch)
	}
	if latest.BestScore != 0.04 {
		t.Errorf("Expected persisted best score 0.04, got %v", latest.BestScore)
	}
	if latest.EpochsSinceImprovement != 0 {
		t.Errorf("Expected persisted stall count 0, got %d", latest.EpochsSinceImprovement)
	}

	best := loadState(t, trainer.store.BestPath())
	if best.Epoch != 2 {
		t.Errorf("Expected best slot from epoch 2, got %d", best.Epoch)
	}

	for _, tag := range []string{"model/train_loss", "model/sad_loss", "model/mse_loss", "model/learning_rate"} {
		if got := len(sink.scalars[tag]); got != 3 {
			t.Errorf("Expected 3 %s events, got %d", tag, got)
		}
	}
	if _, ok := sink.scalars["model/valid_loss"]; ok {
		t.Error("Expected no validation events without a validation loader")
	}
}

// TestTrainerStallKeepsBestSlot runs two epochs where the second does not
// improve: the best slot must keep the first epoch's state.
func TestTrainerStallKeepsBestSlot(t *testing.T) {
	dir := t.TempDir()
	config := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, Seed: 7}
	trainer, loader, _, _ := newTestTrainer(t, dir, []float64{0.05, 0.06}, config)

	if err := trainer.Train(loader, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if trainer.StallCount() != 1 {
		t.Errorf("Expected stall count 1, got %d", trainer.StallCount())
	}
	if trainer.BestScore() != 0.05 {
		t.Errorf("Expected best score 0.05, got %v", trainer.BestScore())
	}

	latest := loadState(t, trainer.store.LatestPath())
	if latest.Epoch != 1 || latest.EpochsSinceImprovement != 1 {
		t.Errorf("Expected latest epoch 1 with stall 1, got epoch %d stall %d", latest.Epoch, latest.EpochsSinceImprovement)
	}

	best := loadState(t, trainer.store.BestPath())
	if best.Epoch != 0 {
		t.Errorf("Expected best slot still from epoch 0, got %d", best.Epoch)
	}
}

// TestTrainerEqualScoreIsStall verifies a tied score does not count as an
// improvement.
func TestTrainerEqualScoreIsStall(t *testing.T) {
	dir := t.TempDir()
	config := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, Seed: 7}
	trainer, loader, _, _ := newTestTrainer(t, dir, []float64{0.05, 0.05}, config)

	if err := trainer.Train(loader, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if trainer.StallCount() != 1 {
		t.Errorf("Expected equal score to stall, got stall count %d", trainer.StallCount())
	}
	best := loadState(t, trainer.store.BestPath())
	if best.Epoch != 0 {
		t.Errorf("Expected best slot untouched by tie, got epoch %d", best.Epoch)
	}
}

// TestTrainerResume runs two epochs, then resumes from the latest slot and
// runs two more.
func TestTrainerResume(t *testing.T) {
	dir := t.TempDir()
	firstConfig := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, Seed: 7}
	first, loader, _, _ := newTestTrainer(t, dir, []float64{0.05, 0.06}, firstConfig)

	if err := first.Train(loader, nil); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	latestPath := first.store.LatestPath()

	resumeConfig := &Config{
		BatchSize: 2, LearningRate: 0.01, EndEpoch: 4, GradClip: 5, Seed: 7,
		Resume: latestPath,
	}
	second, loader2, evaluator, _ := newTestTrainer(t, dir, []float64{0.03, 0.07}, resumeConfig)

	if err := second.Train(loader2, nil); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}

	// Epochs 0 and 1 already ran; the resumed run covers 2 and 3 only.
	if evaluator.calls != 2 {
		t.Errorf("Expected 2 evaluations in resumed run, got %d", evaluator.calls)
	}

	latest := loadState(t, latestPath)
	if latest.Epoch != 3 {
		t.Errorf("Expected final epoch 3, got %d", latest.Epoch)
	}
	// 0.03 at epoch 2 improved on the first run's 0.05; 0.07 then stalled.
	if latest.BestScore != 0.03 {
		t.Errorf("Expected best score 0.03 after resume, got %v", latest.BestScore)
	}
	if latest.EpochsSinceImprovement != 1 {
		t.Errorf("Expected stall count 1 after final epoch, got %d", latest.EpochsSinceImprovement)
	}

	best := loadState(t, second.store.BestPath())
	if best.Epoch != 2 {
		t.Errorf("Expected best slot from epoch 2, got %d", best.Epoch)
	}
}

// TestTrainerResumeRestoresWeights verifies the resumed model starts from
// the persisted parameters rather than fresh initialization.
func TestTrainerResumeRestoresWeights(t *testing.T) {
	dir := t.TempDir()
	config := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 1, GradClip: 5, Seed: 7}
	first, loader, _, _ := newTestTrainer(t, dir, []float64{0.05}, config)

	if err := first.Train(loader, nil); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	saved := loadState(t, first.store.LatestPath())

	resumeConfig := &Config{
		BatchSize: 2, LearningRate: 0.01, EndEpoch: 1, GradClip: 5, Seed: 7,
		Resume: first.store.LatestPath(),
	}
	// Different init seed: only the checkpoint can make the weights match.
	SetRandomSeed(99)
	model, err := NewMattingHead(2, 4)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	store, err := checkpoints.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	second, err := NewTrainer(model, NewSGD(model.Parameters(), 0.01, 0), NewAlphaPredictionLoss(),
		&scriptedEvaluator{}, store, nil, resumeConfig)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}

	// EndEpoch 1 with a checkpoint at epoch 0 means the loop body never
	// runs; Train only restores state.
	if err := second.Train(loader, nil); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}

	restored, err := checkpoints.ExtractWeights(model.StateDict())
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}
	for i, w := range saved.Weights {
		if restored[i].Name != w.Name {
			t.Fatalf("Weight order mismatch: %s vs %s", restored[i].Name, w.Name)
		}
		for j := range w.Data {
			if restored[i].Data[j] != w.Data[j] {
				t.Fatalf("Weight %s[%d] not restored: %f vs %f", w.Name, j, restored[i].Data[j], w.Data[j])
			}
		}
	}
}

// TestTrainerResumeMissingCheckpoint verifies initialization failures carry
// the phase and the absence of any persisted epoch.
func TestTrainerResumeMissingCheckpoint(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, Seed: 7,
		Resume: dir + "/does-not-exist.json",
	}
	trainer, loader, _, _ := newTestTrainer(t, dir, []float64{0.05, 0.05}, config)

	err := trainer.Train(loader, nil)
	if err == nil {
		t.Fatal("Expected error for missing resume checkpoint")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected RunError, got %T: %v", err, err)
	}
	if runErr.Phase != PhaseInitializing {
		t.Errorf("Expected INITIALIZING phase, got %s", runErr.Phase)
	}
	if runErr.LastPersistedEpoch != -1 {
		t.Errorf("Expected no persisted epoch, got %d", runErr.LastPersistedEpoch)
	}

	var deserErr *checkpoints.DeserializationError
	if !errors.As(err, &deserErr) {
		t.Errorf("Expected DeserializationError in chain, got %v", err)
	}
}

// nanLoss always produces a non-finite loss value.
type nanLoss struct{}

func (nanLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	loss := tensor.FromScalar(math.NaN(), tensor.Float32, tensor.CPU)
	loss.SetRequiresGrad(true)
	return loss, nil
}

// TestTrainerNumericDivergence verifies a NaN loss aborts the epoch with a
// typed error carrying epoch and batch.
func TestTrainerNumericDivergence(t *testing.T) {
	dir := t.TempDir()
	config := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, Seed: 7}
	trainer, loader, _, _ := newTestTrainer(t, dir, []float64{0.05, 0.05}, config)
	trainer.criterion = nanLoss{}

	err := trainer.Train(loader, nil)
	if err == nil {
		t.Fatal("Expected divergence error")
	}

	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected RunError, got %T", err)
	}
	if runErr.Phase != PhaseRunningEpoch {
		t.Errorf("Expected RUNNING_EPOCH phase, got %s", runErr.Phase)
	}

	var divErr *NumericDivergenceError
	if !errors.As(err, &divErr) {
		t.Fatalf("Expected NumericDivergenceError in chain, got %v", err)
	}
	if divErr.Epoch != 0 || divErr.Batch != 0 {
		t.Errorf("Expected divergence at epoch 0 batch 0, got epoch %d batch %d", divErr.Epoch, divErr.Batch)
	}

	// Nothing was persisted before the failure
	if _, statErr := os.Stat(trainer.store.LatestPath()); statErr == nil {
		t.Error("Expected no checkpoint after first-batch divergence")
	}
}

// TestTrainerValidationPhase verifies the optional validation pass emits its
// scalar series.
func TestTrainerValidationPhase(t *testing.T) {
	dir := t.TempDir()
	config := &Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, Seed: 7}
	trainer, loader, _, sink := newTestTrainer(t, dir, []float64{0.05, 0.04}, config)

	validLoader, err := NewDataLoader(&evalDataset{n: 2, pixels: 4, alpha: 0.5, mask: 1}, 2, false, 7)
	if err != nil {
		t.Fatalf("Failed to create validation loader: %v", err)
	}

	if err := trainer.Train(loader, validLoader); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if got := len(sink.scalars["model/valid_loss"]); got != 2 {
		t.Errorf("Expected 2 validation loss events, got %d", got)
	}
}

// TestTrainerScheduler verifies milestone decay reaches the optimizer.
func TestTrainerScheduler(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		BatchSize: 2, LearningRate: 0.1, EndEpoch: 2, GradClip: 5, Seed: 7,
		Scheduler: NewMultiStepLRScheduler([]int{1}, 0.1),
	}
	trainer, loader, _, sink := newTestTrainer(t, dir, []float64{0.05, 0.04}, config)

	if err := trainer.Train(loader, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	rates := sink.scalars["model/learning_rate"]
	if len(rates) != 2 {
		t.Fatalf("Expected 2 learning rate events, got %d", len(rates))
	}
	if math.Abs(rates[0]-0.1) > 1e-9 {
		t.Errorf("Expected base rate 0.1 at epoch 0, got %v", rates[0])
	}
	if math.Abs(rates[1]-0.01) > 1e-9 {
		t.Errorf("Expected decayed rate 0.01 at epoch 1, got %v", rates[1])
	}
}

// TestConfigValidate tests rejection of invalid run parameters
func TestConfigValidate(t *testing.T) {
	valid := Config{BatchSize: 2, LearningRate: 0.01, EndEpoch: 2, GradClip: 5, PrintFreq: 10}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ZeroBatchSize", func(c *Config) { c.BatchSize = 0 }, "BatchSize"},
		{"NegativeLearningRate", func(c *Config) { c.LearningRate = -1 }, "LearningRate"},
		{"ZeroEndEpoch", func(c *Config) { c.EndEpoch = 0 }, "EndEpoch"},
		{"NegativeGradClip", func(c *Config) { c.GradClip = -1 }, "GradClip"},
		{"NegativePrintFreq", func(c *Config) { c.PrintFreq = -1 }, "PrintFreq"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)

			err := config.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}

			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected ConfigurationError, got %T", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, cfgErr.Field)
			}
		})
	}
}

// TestRunErrorMessage tests the diagnostic format for both persisted and
// unpersisted runs.
func TestRunErrorMessage(t *testing.T) {
	withEpoch := &RunError{Phase: PhaseEvaluating, LastPersistedEpoch: 4, Err: errors.New("boom")}
	if msg := withEpoch.Error(); msg == "" {
		t.Error("Expected non-empty message")
	}

	fresh := &RunError{Phase: PhaseInitializing, LastPersistedEpoch: -1, Err: errors.New("boom")}
	if fresh.Error() == withEpoch.Error() {
		t.Error("Expected distinct messages for persisted and unpersisted failures")
	}

	if !errors.Is(withEpoch, withEpoch.Err) {
		t.Error("Expected RunError to unwrap to its cause")
	}
}
