package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
)

// Dataset is the sample-producing collaborator. Get returns one sample: a
// multi-channel image tensor and its two-channel label (alpha plus
// confidence/region mask).
type Dataset interface {
	Len() int
	Get(idx int) (image *tensor.Tensor, label *tensor.Tensor, err error)
}

// Batch holds batched images and labels.
type Batch struct {
	Images *tensor.Tensor
	Labels *tensor.Tensor
}

// DataLoader provides batching and per-epoch reshuffling over a Dataset.
// Each epoch's traversal order is a pure function of (seed, epoch), so a
// run resumed from a checkpoint with the same seed walks every epoch in the
// order an uninterrupted run would have.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	seed      int64
	indices   []int
	position  int
}

func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for the given epoch, reshuffling the full
// traversal order when shuffling is enabled. The shuffle always starts from
// the identity order and reseeds from (seed, epoch), never from a carried
// generator, so the order depends on nothing but those two values.
func (dl *DataLoader) Reset(epoch int) {
	dl.position = 0

	for i := range dl.indices {
		dl.indices[i] = i
	}

	if dl.shuffle {
		rng := rand.New(rand.NewSource(dl.seed + int64(epoch)))
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch or nil once the epoch is complete.
func (dl *DataLoader) Next() (*Batch, error) {
	if dl.position >= len(dl.indices) {
		return nil, nil // end of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// loadBatch loads samples and stacks them into batched tensors.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	firstImage, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	imageShape := append([]int{len(indices)}, firstImage.Shape...)
	labelShape := append([]int{len(indices)}, firstLabel.Shape...)

	batchImages, err := tensor.Zeros(imageShape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %v", err)
	}
	batchLabels, err := tensor.Zeros(labelShape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch label tensor: %v", err)
	}

	for i, idx := range indices {
		image, label := firstImage, firstLabel
		if i > 0 {
			image, label, err = dl.dataset.Get(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
			}
		}

		if err := copyInto(batchImages, image, i); err != nil {
			return nil, fmt.Errorf("failed to copy image for sample %d: %v", idx, err)
		}
		if err := copyInto(batchLabels, label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %v", idx, err)
		}
	}

	return &Batch{
		Images: batchImages,
		Labels: batchLabels,
	}, nil
}

// copyInto copies a sample tensor into position batchIndex of the batch
// tensor.
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	batchData, err := batchTensor.GetFloat32Data()
	if err != nil {
		return err
	}
	sampleData, err := sampleTensor.GetFloat32Data()
	if err != nil {
		return err
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize
	if offset+sampleSize > len(batchData) {
		return fmt.Errorf("sample %d does not fit in batch tensor", batchIndex)
	}

	copy(batchData[offset:offset+sampleSize], sampleData)
	return nil
}

// BatchStream is a prefetching iterator over one epoch. A producer
// goroutine loads batches ahead of the consumer into a bounded channel;
// the first loading error cancels the stream and surfaces from Next.
type BatchStream struct {
	batches <-chan *Batch
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// Stream resets the loader for the given epoch and starts prefetching up to
// depth batches.
func (dl *DataLoader) Stream(ctx context.Context, epoch, depth int) *BatchStream {
	if depth <= 0 {
		depth = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan *Batch, depth)

	dl.Reset(epoch)

	g.Go(func() error {
		defer close(batches)
		for {
			batch, err := dl.Next()
			if err != nil {
				return err
			}
			if batch == nil {
				return nil
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return &BatchStream{
		batches: batches,
		group:   g,
		cancel:  cancel,
	}
}

// Next blocks until the next batch is ready. It returns (nil, nil) after
// the last batch of the epoch, or the producer's error.
func (s *BatchStream) Next() (*Batch, error) {
	batch, ok := <-s.batches
	if !ok {
		return nil, s.group.Wait()
	}
	return batch, nil
}

// Close abandons the stream and releases the producer.
func (s *BatchStream) Close() error {
	s.cancel()
	for range s.batches {
	}
	err := s.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
