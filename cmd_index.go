package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunIndexCommand embeds every sentence in a file and stores the
// vectors in PostgreSQL, then builds the similarity index.
func RunIndexCommand(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: ./simcse.yaml)")
	dataPath := fs.String("data", "", "Sentence file, one sentence per line (required)")
	batchSize := fs.Int("batch", 32, "Sentences per inference call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataPath == "" {
		return fmt.Errorf("index: -data is required")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tok, enc, err := newInferenceStack(cfg)
	if err != nil {
		return err
	}
	defer enc.Close()

	store, err := NewEmbeddingStore(cfg.Store, enc.HiddenSize(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sentences, err := readSentences(*dataPath)
	if err != nil {
		return err
	}
	logger.Info("indexing sentences",
		zap.Int("count", len(sentences)),
		zap.Int("batch", *batchSize))

	ctx := context.Background()
	start := time.Now()
	var total int64
	for i := 0; i < len(sentences); i += *batchSize {
		end := i + *batchSize
		if end > len(sentences) {
			end = len(sentences)
		}
		batch := sentences[i:end]

		emb, err := embedBatch(tok, enc, batch)
		if err != nil {
			return err
		}
		inserted, err := store.InsertBatch(ctx, batch, emb)
		if err != nil {
			return err
		}
		total += inserted
	}

	if err := store.CreateIndex(ctx); err != nil {
		return err
	}

	logger.Info("indexing complete",
		zap.Int64("inserted", total),
		zap.Int("processed", len(sentences)),
		zap.Duration("duration", time.Since(start)))
	return nil
}
