package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

// SchemaVersion is the checkpoint record version. Load rejects any file
// written with a different version instead of attempting field recovery.
const SchemaVersion = 1

const (
	latestFilename = "checkpoint.json"
	bestFilename   = "best_checkpoint.json"
)

// TrainingState is the full serialized state of a run: enough to resume the
// epoch loop at Epoch+1 with early-stopping bookkeeping intact.
type TrainingState struct {
	SchemaVersion int `json:"schema_version"`

	Epoch                  int     `json:"epoch"`
	EpochsSinceImprovement int     `json:"epochs_since_improvement"`
	BestScore              float64 `json:"best_score"`

	Weights   []WeightTensor  `json:"weights"`
	Optimizer *OptimizerState `json:"optimizer_state"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor is one named model parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (moments, step count).
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data,omitempty"`
}

// OptimizerTensor is one optimizer state tensor (momentum, m, v, ...).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// Metadata contains checkpoint metadata.
type Metadata struct {
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// DeserializationError reports a checkpoint that could not be restored:
// corrupt blob, incompatible schema version, or missing required fields.
type DeserializationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot restore checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot restore checkpoint %s: %s", e.Path, e.Reason)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// Store persists TrainingState into two named slots under a directory:
// "latest" (written on every save) and "best" (written only on improvement).
type Store struct {
	dir       string
	lastEpoch int
	hasSaved  bool
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	return &Store{dir: dir}, nil
}

// LatestPath returns the path of the "latest" slot.
func (s *Store) LatestPath() string {
	return filepath.Join(s.dir, latestFilename)
}

// BestPath returns the path of the "best" slot.
func (s *Store) BestPath() string {
	return filepath.Join(s.dir, bestFilename)
}

// Save writes state to the "latest" slot, and additionally to the "best"
// slot when isBest is true. Any write failure is returned to the caller;
// continuing a run with unpersisted progress is not an option here.
func (s *Store) Save(state *TrainingState, isBest bool) error {
	if state == nil {
		return fmt.Errorf("nil training state")
	}
	if s.hasSaved && state.Epoch <= s.lastEpoch {
		return fmt.Errorf("epoch must increase across saves: %d after %d", state.Epoch, s.lastEpoch)
	}

	state.SchemaVersion = SchemaVersion
	if state.Metadata.Framework == "" {
		state.Metadata.Framework = "deep-residual-matting"
	}
	state.Metadata.CreatedAt = time.Now()

	if err := writeState(s.LatestPath(), state); err != nil {
		return err
	}
	if isBest {
		if err := writeState(s.BestPath(), state); err != nil {
			return err
		}
	}

	s.lastEpoch = state.Epoch
	s.hasSaved = true
	return nil
}

func writeState(path string, state *TrainingState) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint file: %v", err)
	}

	return nil
}

// Load reads a previously saved TrainingState from an explicitly supplied
// path. It fails with a DeserializationError if the blob is corrupt, from an
// incompatible schema version, or missing required fields.
func Load(path string) (*TrainingState, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &DeserializationError{Path: path, Reason: "cannot open file", Err: err}
	}
	defer file.Close()

	var state TrainingState
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&state); err != nil {
		return nil, &DeserializationError{Path: path, Reason: "corrupt checkpoint blob", Err: err}
	}

	if state.SchemaVersion != SchemaVersion {
		return nil, &DeserializationError{
			Path:   path,
			Reason: fmt.Sprintf("schema version mismatch: file has %d, expected %d", state.SchemaVersion, SchemaVersion),
		}
	}
	if state.Epoch < 0 {
		return nil, &DeserializationError{Path: path, Reason: fmt.Sprintf("invalid epoch %d", state.Epoch)}
	}
	if state.EpochsSinceImprovement < 0 {
		return nil, &DeserializationError{Path: path, Reason: fmt.Sprintf("invalid stall count %d", state.EpochsSinceImprovement)}
	}
	if len(state.Weights) == 0 {
		return nil, &DeserializationError{Path: path, Reason: "missing model weights"}
	}
	if state.Optimizer == nil {
		return nil, &DeserializationError{Path: path, Reason: "missing optimizer state"}
	}

	return &state, nil
}

// ExtractWeights converts a model state dict into named weight records,
// sorted by name so the on-disk layout is deterministic.
func ExtractWeights(stateDict map[string]*tensor.Tensor) ([]WeightTensor, error) {
	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		t := stateDict[name]
		data, err := t.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract weight data for %s: %v", name, err)
		}

		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int{}, t.Shape...),
			Data:  append([]float32{}, data...),
		})
	}

	return weights, nil
}

// LoadWeights copies saved weight records back into a model state dict,
// validating names and shapes.
func LoadWeights(weights []WeightTensor, stateDict map[string]*tensor.Tensor) error {
	if len(weights) != len(stateDict) {
		return fmt.Errorf("weight count mismatch: %d saved, %d in model", len(weights), len(stateDict))
	}

	for _, weight := range weights {
		t, ok := stateDict[weight.Name]
		if !ok {
			return fmt.Errorf("saved weight %s has no matching model parameter", weight.Name)
		}

		if len(t.Shape) != len(weight.Shape) {
			return fmt.Errorf("shape mismatch for %s: model %v vs saved %v", weight.Name, t.Shape, weight.Shape)
		}
		for i, dim := range t.Shape {
			if dim != weight.Shape[i] {
				return fmt.Errorf("shape mismatch for %s: model %v vs saved %v", weight.Name, t.Shape, weight.Shape)
			}
		}

		data, err := t.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access parameter data for %s: %v", weight.Name, err)
		}
		if len(data) != len(weight.Data) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d", weight.Name, len(data), len(weight.Data))
		}
		copy(data, weight.Data)
	}

	return nil
}
