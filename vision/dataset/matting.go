package dataset

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/foamliu/Deep-Residual-Matting/tensor"
	"github.com/foamliu/Deep-Residual-Matting/vision/preprocessing"
)

const (
	trimapForeground = 255
	trimapUnknown    = 128
	trimapBackground = 0
)

// MattingDataset pairs foreground composite images with their ground-truth
// alpha mattes. Each sample is a [4, size, size] input tensor (RGB plus a
// trimap channel) and a [2, size, size] label tensor (alpha plus the
// unknown-region mask the loss and metrics are restricted to).
//
// The trimap is derived from the alpha matte by morphological dilation and
// erosion with a randomly sized kernel, so repeated epochs see varied
// unknown-region widths. The kernel source is seeded; two datasets built
// with the same seed produce identical trimaps in the same visit order.
type MattingDataset struct {
	imagePaths []string
	alphaPaths []string
	size       int
	processor  *preprocessing.ImageProcessor
	rgbCache   *SampleCache

	mu  sync.Mutex
	rng *rand.Rand
}

// rgbCacheSize bounds decoded-image memory to a few hundred MB at typical
// patch sizes.
const rgbCacheSize = 512

// NewMattingDataset discovers (image, alpha) pairs by shared base name:
// every image in imageDir must have an alpha matte of the same name (any
// supported extension) in alphaDir.
func NewMattingDataset(imageDir, alphaDir string, size int, seed int64) (*MattingDataset, error) {
	if size <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", size)
	}

	extensions := []string{".jpg", ".jpeg", ".png"}

	var imagePaths []string
	for _, ext := range extensions {
		files, err := filepath.Glob(filepath.Join(imageDir, "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		imagePaths = append(imagePaths, files...)
	}
	if len(imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", imageDir)
	}

	dataset := &MattingDataset{
		size:      size,
		processor: preprocessing.NewImageProcessor(size),
		rgbCache:  NewSampleCache(rgbCacheSize),
		rng:       rand.New(rand.NewSource(seed)),
	}

	for _, imagePath := range imagePaths {
		base := filepath.Base(imagePath)
		stem := base[:len(base)-len(filepath.Ext(base))]

		alphaPath := ""
		for _, ext := range extensions {
			candidate := filepath.Join(alphaDir, stem+ext)
			if _, err := os.Stat(candidate); err == nil {
				alphaPath = candidate
				break
			}
		}
		if alphaPath == "" {
			return nil, fmt.Errorf("no alpha matte found for %s in %s", base, alphaDir)
		}

		dataset.imagePaths = append(dataset.imagePaths, imagePath)
		dataset.alphaPaths = append(dataset.alphaPaths, alphaPath)
	}

	return dataset, nil
}

// Len returns the number of samples in the dataset
func (d *MattingDataset) Len() int {
	return len(d.imagePaths)
}

// Get loads, preprocesses, and tensorizes the sample at the given index.
// Safe for concurrent use.
func (d *MattingDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}

	rgbData, err := d.loadRGB(d.imagePaths[index])
	if err != nil {
		return nil, nil, err
	}

	alpha, trimap, err := d.loadAlphaAndTrimap(d.alphaPaths[index])
	if err != nil {
		return nil, nil, err
	}

	pixels := d.size * d.size

	trimapChannel := make([]float32, pixels)
	for i, v := range trimap {
		trimapChannel[i] = float32(v) / 255.0
	}

	rgb := &preprocessing.ProcessedImage{Data: rgbData, Width: d.size, Height: d.size, Channels: 3}
	inputData, err := preprocessing.ComposeInput(rgb, trimapChannel)
	if err != nil {
		return nil, nil, err
	}
	input, err := tensor.NewTensor([]int{4, d.size, d.size}, tensor.Float32, tensor.CPU, inputData)
	if err != nil {
		return nil, nil, err
	}

	// Label channel 0 is the alpha matte, channel 1 the unknown-region mask.
	labelData := make([]float32, 2*pixels)
	for i := 0; i < pixels; i++ {
		labelData[i] = float32(alpha[i]) / 255.0
		if trimap[i] == trimapUnknown {
			labelData[pixels+i] = 1.0
		}
	}
	label, err := tensor.NewTensor([]int{2, d.size, d.size}, tensor.Float32, tensor.CPU, labelData)
	if err != nil {
		return nil, nil, err
	}

	return input, label, nil
}

// loadRGB decodes and preprocesses the composite image, going through the
// sample cache first.
func (d *MattingDataset) loadRGB(path string) ([]float32, error) {
	if data, ok := d.rgbCache.Get(path); ok {
		return data, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	rgb, err := d.processor.DecodeAndPreprocess(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess %s: %w", path, err)
	}

	d.rgbCache.Put(path, rgb.Data)
	return rgb.Data, nil
}

// loadAlphaAndTrimap reads the alpha matte in grayscale, resizes it to the
// target size, and derives a trimap from it.
func (d *MattingDataset) loadAlphaAndTrimap(path string) ([]uint8, []uint8, error) {
	mat := gocv.IMRead(path, gocv.IMReadGrayScale)
	if mat.Empty() {
		return nil, nil, fmt.Errorf("failed to read alpha matte %s", path)
	}
	defer mat.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(d.size, d.size), 0, 0, gocv.InterpolationLinear)

	trimapMat, err := d.generateTrimap(resized)
	if err != nil {
		return nil, nil, err
	}
	defer trimapMat.dilated.Close()
	defer trimapMat.eroded.Close()

	pixels := d.size * d.size
	alpha := make([]uint8, pixels)
	trimap := make([]uint8, pixels)
	for y := 0; y < d.size; y++ {
		for x := 0; x < d.size; x++ {
			i := y*d.size + x
			alpha[i] = resized.GetUCharAt(y, x)

			switch {
			case trimapMat.eroded.GetUCharAt(y, x) >= trimapForeground:
				trimap[i] = trimapForeground
			case trimapMat.dilated.GetUCharAt(y, x) <= trimapBackground:
				trimap[i] = trimapBackground
			default:
				trimap[i] = trimapUnknown
			}
		}
	}

	return alpha, trimap, nil
}

type morphResult struct {
	dilated gocv.Mat
	eroded  gocv.Mat
}

// generateTrimap dilates and erodes the alpha matte with a randomly sized
// elliptical kernel. Confident foreground survives erosion, confident
// background survives dilation, everything else is unknown.
func (d *MattingDataset) generateTrimap(alpha gocv.Mat) (morphResult, error) {
	d.mu.Lock()
	kernelSize := 3 + 2*d.rng.Intn(6) // odd, in [3, 13]
	iterations := 1 + d.rng.Intn(5)
	d.mu.Unlock()

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(kernelSize, kernelSize))
	defer kernel.Close()

	dilated := alpha.Clone()
	eroded := alpha.Clone()
	for i := 0; i < iterations; i++ {
		gocv.Dilate(dilated, &dilated, kernel)
		gocv.Erode(eroded, &eroded, kernel)
	}

	return morphResult{dilated: dilated, eroded: eroded}, nil
}
