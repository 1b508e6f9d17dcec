package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
)

// RunSearchCommand embeds a query sentence and prints the most similar
// stored sentences.
func RunSearchCommand(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: ./simcse.yaml)")
	limit := fs.Int("limit", 5, "Maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("search: usage: simcse search [options] <query sentence>")
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

	emb, err := embedBatch(tok, enc, []string{query})
	if err != nil {
		return err
	}

	results, err := store.FindSimilar(context.Background(), emb.Row(0), *limit)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No similar sentences found.")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%2d. %.4f  %s\n", i+1, r.Similarity, r.Text)
	}
	return nil
}
