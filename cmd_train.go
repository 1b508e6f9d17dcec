package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RunTrainCommand fine-tunes sentence embeddings with one of the three
// contrastive variants.
//
// Data format depends on the variant:
//
//	supervised, prefix   TSV with three columns per line:
//	                     sentence <TAB> positive <TAB> hard negative
//	unsupervised         one sentence per line; the positive pair is
//	                     produced here by encoding the same batch a
//	                     second time under a fresh dropout mask
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: ./simcse.yaml)")
	dataPath := fs.String("data", "", "Training data path (overrides config)")
	variant := fs.String("variant", "", "Objective: supervised, unsupervised, or prefix (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dataPath != "" {
		cfg.Training.DataPath = *dataPath
	}
	if *variant != "" {
		cfg.Training.Variant = *variant
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tok, err := NewTokenizer(cfg.Encoder.VocabPath, cfg.Encoder.MaxSeqLen)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Training.Seed))
	encCfg := cfg.EncoderConfig()
	encCfg.VocabSize = tok.VocabSize()
	enc, err := NewBertEncoder(encCfg, rng)
	if err != nil {
		return err
	}
	enc.SetTraining(true)

	comm := SingleProcess{}

	logger.Info("starting training",
		zap.String("variant", cfg.Training.Variant),
		zap.String("data", cfg.Training.DataPath),
		zap.Int("batch_size", cfg.Training.BatchSize),
		zap.Int("epochs", cfg.Training.Epochs),
		zap.Int("hidden_size", encCfg.HiddenSize),
		zap.Int("vocab_size", encCfg.VocabSize))

	switch cfg.Training.Variant {
	case "supervised":
		return trainSupervised(cfg, logger, tok, enc, comm)
	case "unsupervised":
		return trainUnsupervised(cfg, logger, tok, enc, comm)
	case "prefix":
		return trainPrefix(cfg, logger, tok, enc, comm, rng)
	default:
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidConfig, cfg.Training.Variant)
	}
}

// trainLoop drives the shared epoch/step structure; step runs one batch
// and returns its loss.
func trainLoop(cfg *Config, logger *zap.Logger, params []*Tensor, numBatches int,
	step func(epoch, batch int) (float64, error)) error {

	opt := NewAdamW(params, cfg.Training.LearningRate, cfg.Training.WeightDecay)
	totalSteps := cfg.Training.Epochs * numBatches
	globalStep := 0

	for epoch := 0; epoch < cfg.Training.Epochs; epoch++ {
		start := time.Now()
		var epochLoss float64

		for batch := 0; batch < numBatches; batch++ {
			opt.ZeroGrad()
			loss, err := step(epoch, batch)
			if err != nil {
				return err
			}
			epochLoss += loss

			gradNorm := ClipGradNorm(params, cfg.Training.ClipNorm)
			globalStep++
			opt.SetLR(WarmupLinearLR(cfg.Training.LearningRate, globalStep,
				cfg.Training.WarmupSteps, totalSteps))
			opt.Step()

			if globalStep%10 == 0 {
				logger.Info("step",
					zap.Int("step", globalStep),
					zap.Float64("loss", loss),
					zap.Float64("grad_norm", gradNorm))
			}
		}

		logger.Info("epoch complete",
			zap.Int("epoch", epoch+1),
			zap.Float64("avg_loss", epochLoss/float64(numBatches)),
			zap.Duration("duration", time.Since(start)))
	}
	return nil
}

func trainSupervised(cfg *Config, logger *zap.Logger, tok *Tokenizer, enc *BertEncoder, comm Communicator) error {
	triplets, err := readTriplets(cfg.Training.DataPath)
	if err != nil {
		return err
	}
	model := NewSupervisedSimCSE(enc, comm)

	b := cfg.Training.BatchSize
	numBatches := len(triplets) / b
	if numBatches == 0 {
		return fmt.Errorf("%w: %d triplets is fewer than one batch of %d", ErrInvalidConfig, len(triplets), b)
	}

	return trainLoop(cfg, logger, model.Parameters(), numBatches, func(_, batch int) (float64, error) {
		chunk := triplets[batch*b : (batch+1)*b]
		sent := make([]string, b)
		pos := make([]string, b)
		neg := make([]string, b)
		for i, t := range chunk {
			sent[i], pos[i], neg[i] = t[0], t[1], t[2]
		}
		return model.TrainStep(tok.EncodeBatch(sent), tok.EncodeBatch(pos), tok.EncodeBatch(neg))
	})
}

func trainUnsupervised(cfg *Config, logger *zap.Logger, tok *Tokenizer, enc *BertEncoder, comm Communicator) error {
	sentences, err := readSentences(cfg.Training.DataPath)
	if err != nil {
		return err
	}
	model := NewUnsupervisedSimCSE(enc, comm)

	b := cfg.Training.BatchSize
	numBatches := len(sentences) / b
	if numBatches == 0 {
		return fmt.Errorf("%w: %d sentences is fewer than one batch of %d", ErrInvalidConfig, len(sentences), b)
	}

	return trainLoop(cfg, logger, model.Parameters(), numBatches, func(_, batch int) (float64, error) {
		ids := tok.EncodeBatch(sentences[batch*b : (batch+1)*b])
		// Same token batch on both sides: the two encoder passes run
		// under independent dropout masks, which is the whole trick.
		return model.TrainStep(ids, ids)
	})
}

func trainPrefix(cfg *Config, logger *zap.Logger, tok *Tokenizer, enc *BertEncoder, comm Communicator, rng *rand.Rand) error {
	triplets, err := readTriplets(cfg.Training.DataPath)
	if err != nil {
		return err
	}
	model, err := NewPrefixSupervisedSimCSE(cfg.PrefixConfig(), comm, rng)
	if err != nil {
		return err
	}
	model.SetTraining(true)

	b := cfg.Training.BatchSize
	numBatches := len(triplets) / b
	if numBatches == 0 {
		return fmt.Errorf("%w: %d triplets is fewer than one batch of %d", ErrInvalidConfig, len(triplets), b)
	}

	// Only the prefix generator's parameters reach the optimizer; the
	// encoder stays frozen.
	return trainLoop(cfg, logger, model.Parameters(), numBatches, func(_, batch int) (float64, error) {
		chunk := triplets[batch*b : (batch+1)*b]
		sent := make([]string, b)
		pos := make([]string, b)
		neg := make([]string, b)
		for i, t := range chunk {
			sent[i], pos[i], neg[i] = t[0], t[1], t[2]
		}
		return model.TrainStep(enc, tok.EncodeBatch(sent), tok.EncodeBatch(pos), tok.EncodeBatch(neg))
	})
}

// readTriplets parses sentence/positive/negative TSV lines.
func readTriplets(path string) ([][3]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("train: open data: %w", err)
	}
	defer f.Close()

	var triplets [][3]string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		cols := strings.Split(text, "\t")
		if len(cols) != 3 {
			return nil, fmt.Errorf("train: line %d has %d columns, expected 3", line, len(cols))
		}
		triplets = append(triplets, [3]string{cols[0], cols[1], cols[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("train: read data: %w", err)
	}
	return triplets, nil
}

// readSentences parses one sentence per line, skipping blanks.
func readSentences(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("train: open data: %w", err)
	}
	defer f.Close()

	var sentences []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text != "" {
			sentences = append(sentences, text)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("train: read data: %w", err)
	}
	return sentences, nil
}
