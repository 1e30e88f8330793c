package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"
)

// ImageProcessor provides image preprocessing with buffer reuse
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float32
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready as network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// TargetSize returns the square side length images are resized to.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// DecodeAndPreprocess decodes a JPEG or PNG image and preprocesses it for
// network input. Returns data in CHW format (channels, height, width)
// normalized to [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.targetSize || p.tempImageBuffer.Bounds().Dy() != p.targetSize {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	targetImg := p.tempImageBuffer

	// Simple nearest-neighbor resize
	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)

			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}

			targetImg.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	// Reuse data buffer
	requiredSize := 3 * p.targetSize * p.targetSize
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	// Convert to float32 RGB data in CHW format
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			r, g, b, _ := targetImg.At(x, y).RGBA()

			idx := y*p.targetSize + x
			rVal := float32(r) / 65535.0
			gVal := float32(g) / 65535.0
			bVal := float32(b) / 65535.0

			if rVal != rVal || rVal < 0 || rVal > 1 {
				rVal = 0.0
			}
			if gVal != gVal || gVal < 0 || gVal > 1 {
				gVal = 0.0
			}
			if bVal != bVal || bVal < 0 || bVal > 1 {
				bVal = 0.0
			}

			data[0*p.targetSize*p.targetSize+idx] = rVal // R channel
			data[1*p.targetSize*p.targetSize+idx] = gVal // G channel
			data[2*p.targetSize*p.targetSize+idx] = bVal // B channel
		}
	}

	// Copy out of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}, nil
}

// ComposeInput appends a guidance channel to an RGB image, producing the
// network's 4-channel CHW input. The extra channel must hold one value per
// pixel in [0, 1].
func ComposeInput(rgb *ProcessedImage, guidance []float32) ([]float32, error) {
	if rgb.Channels != 3 {
		return nil, fmt.Errorf("expected 3-channel image, got %d channels", rgb.Channels)
	}
	pixels := rgb.Width * rgb.Height
	if len(guidance) != pixels {
		return nil, fmt.Errorf("guidance channel has %d values, image has %d pixels", len(guidance), pixels)
	}

	composed := make([]float32, 4*pixels)
	copy(composed, rgb.Data[:3*pixels])
	copy(composed[3*pixels:], guidance)
	return composed, nil
}
