package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/foamliu/Deep-Residual-Matting/checkpoints"
	"github.com/foamliu/Deep-Residual-Matting/events"
	"github.com/foamliu/Deep-Residual-Matting/training"
	"github.com/foamliu/Deep-Residual-Matting/vision/dataset"
)

func main() {
	var (
		imageDir      = flag.String("image-dir", "data/images", "directory of training composite images")
		alphaDir      = flag.String("alpha-dir", "data/alphas", "directory of ground-truth alpha mattes")
		validImageDir = flag.String("valid-image-dir", "", "directory of validation images (empty disables validation)")
		validAlphaDir = flag.String("valid-alpha-dir", "", "directory of validation alpha mattes")
		testImageDir  = flag.String("test-image-dir", "data/test_images", "directory of held-out evaluation images")
		testAlphaDir  = flag.String("test-alpha-dir", "data/test_alphas", "directory of held-out evaluation alpha mattes")
		checkpointDir = flag.String("checkpoint-dir", "checkpoints", "directory for checkpoint files")
		resume        = flag.String("resume", "", "checkpoint file to resume from")
		eventsFile    = flag.String("events-file", "", "JSONL file for scalar metric events (empty logs to stdout)")

		batchSize = flag.Int("batch-size", 16, "samples per training batch")
		lr        = flag.Float64("lr", 0.001, "base learning rate")
		endEpoch  = flag.Int("end-epoch", 30, "terminal epoch (exclusive)")
		gradClip  = flag.Float64("grad-clip", 5.0, "per-element gradient clamp, 0 disables")
		printFreq = flag.Int("print-freq", 100, "batch-progress print interval, 0 disables")
		seed      = flag.Int64("seed", 7, "run seed for weight init, shuffling and trimap generation")

		imageSize  = flag.Int("image-size", 32, "square side length samples are resized to")
		hiddenSize = flag.Int("hidden-size", 256, "hidden layer width of the matting head")
		optName    = flag.String("optimizer", "adam", "optimizer: adam or sgd")
		momentum   = flag.Float64("momentum", 0.9, "SGD momentum")
		milestones = flag.String("lr-milestones", "", "comma-separated epochs for learning rate decay (empty disables)")
		lrGamma    = flag.Float64("lr-gamma", 0.1, "learning rate decay factor at each milestone")
	)
	flag.Parse()

	if err := run(&runOptions{
		imageDir:      *imageDir,
		alphaDir:      *alphaDir,
		validImageDir: *validImageDir,
		validAlphaDir: *validAlphaDir,
		testImageDir:  *testImageDir,
		testAlphaDir:  *testAlphaDir,
		checkpointDir: *checkpointDir,
		resume:        *resume,
		eventsFile:    *eventsFile,
		batchSize:     *batchSize,
		lr:            *lr,
		endEpoch:      *endEpoch,
		gradClip:      *gradClip,
		printFreq:     *printFreq,
		seed:          *seed,
		imageSize:     *imageSize,
		hiddenSize:    *hiddenSize,
		optName:       *optName,
		momentum:      *momentum,
		milestones:    *milestones,
		lrGamma:       *lrGamma,
	}); err != nil {
		log.Fatal(err)
	}
}

type runOptions struct {
	imageDir      string
	alphaDir      string
	validImageDir string
	validAlphaDir string
	testImageDir  string
	testAlphaDir  string
	checkpointDir string
	resume        string
	eventsFile    string
	batchSize     int
	lr            float64
	endEpoch      int
	gradClip      float64
	printFreq     int
	seed          int64
	imageSize     int
	hiddenSize    int
	optName       string
	momentum      float64
	milestones    string
	lrGamma       float64
}

func run(opts *runOptions) error {
	training.SetRandomSeed(opts.seed)

	var scheduler training.LRScheduler
	if opts.milestones != "" {
		epochs, err := parseMilestones(opts.milestones)
		if err != nil {
			return err
		}
		scheduler = training.NewMultiStepLRScheduler(epochs, opts.lrGamma)
	}

	config := &training.Config{
		BatchSize:     opts.batchSize,
		LearningRate:  opts.lr,
		EndEpoch:      opts.endEpoch,
		GradClip:      opts.gradClip,
		PrintFreq:     opts.printFreq,
		Seed:          opts.seed,
		Resume:        opts.resume,
		PrefetchDepth: 2,
		Scheduler:     scheduler,
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if opts.testImageDir == "" || opts.testAlphaDir == "" {
		return &training.ConfigurationError{Field: "test-image-dir", Reason: "a held-out evaluation set is required"}
	}

	trainData, err := dataset.NewMattingDataset(opts.imageDir, opts.alphaDir, opts.imageSize, opts.seed)
	if err != nil {
		return fmt.Errorf("failed to build training dataset: %v", err)
	}
	trainLoader, err := training.NewDataLoader(trainData, config.BatchSize, true, opts.seed)
	if err != nil {
		return err
	}

	var validLoader *training.DataLoader
	if opts.validImageDir != "" {
		validData, err := dataset.NewMattingDataset(opts.validImageDir, opts.validAlphaDir, opts.imageSize, opts.seed)
		if err != nil {
			return fmt.Errorf("failed to build validation dataset: %v", err)
		}
		validLoader, err = training.NewDataLoader(validData, config.BatchSize, false, opts.seed)
		if err != nil {
			return err
		}
	}

	model, err := training.NewMattingHead(opts.imageSize, opts.hiddenSize)
	if err != nil {
		return fmt.Errorf("failed to build model: %v", err)
	}

	var optimizer training.Optimizer
	switch strings.ToLower(opts.optName) {
	case "adam":
		optimizer = training.NewAdam(model.Parameters(), opts.lr)
	case "sgd":
		optimizer = training.NewSGD(model.Parameters(), opts.lr, opts.momentum)
	default:
		return &training.ConfigurationError{Field: "optimizer", Reason: fmt.Sprintf("unknown optimizer %q", opts.optName)}
	}

	store, err := checkpoints.NewStore(opts.checkpointDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %v", err)
	}

	var sink events.Sink = &events.LogSink{}
	if opts.eventsFile != "" {
		fileSink, err := events.NewFileSink(opts.eventsFile)
		if err != nil {
			return fmt.Errorf("failed to open events file: %v", err)
		}
		defer fileSink.Close()
		sink = fileSink
	}

	testData, err := dataset.NewMattingDataset(opts.testImageDir, opts.testAlphaDir, opts.imageSize, opts.seed)
	if err != nil {
		return fmt.Errorf("failed to build evaluation dataset: %v", err)
	}
	evaluator := training.NewDatasetEvaluator(testData, 0)

	trainer, err := training.NewTrainer(model, optimizer, &training.AlphaPredictionLoss{}, evaluator, store, sink, config)
	if err != nil {
		return err
	}

	log.Printf("training %d samples for %d epochs (batch size %d, lr %v)",
		trainData.Len(), config.EndEpoch, config.BatchSize, config.LearningRate)
	return trainer.Train(trainLoader, validLoader)
}

func parseMilestones(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	epochs := make([]int, 0, len(parts))
	for _, part := range parts {
		epoch, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid milestone %q: %v", part, err)
		}
		epochs = append(epochs, epoch)
	}
	return epochs, nil
}
