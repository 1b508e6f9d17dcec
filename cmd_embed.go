package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
)

// newInferenceStack builds the tokenizer and ONNX encoder used by the
// embedding commands.
func newInferenceStack(cfg *Config) (*Tokenizer, *ONNXEncoder, error) {
	tok, err := NewTokenizer(cfg.Encoder.VocabPath, cfg.Encoder.MaxSeqLen)
	if err != nil {
		return nil, nil, err
	}
	enc, err := NewONNXEncoder(cfg.ONNX.ModelPath, cfg.ONNX.LibPath, tok.PadID())
	if err != nil {
		return nil, nil, err
	}
	return tok, enc, nil
}

// embedBatch tokenizes and encodes one batch of sentences into pooled
// embeddings of shape (len(texts), hidden).
func embedBatch(tok *Tokenizer, enc Encoder, texts []string) (*Tensor, error) {
	hidden, err := enc.Encode(tok.EncodeBatch(texts), nil)
	if err != nil {
		return nil, err
	}
	return clsPool(hidden), nil
}

// RunEmbedCommand reads sentences from stdin, one per line, and prints
// each pooled embedding as tab-separated values.
func RunEmbedCommand(args []string) error {
	fs := flag.NewFlagSet("embed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: ./simcse.yaml)")
	batchSize := fs.Int("batch", 32, "Sentences per inference call")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	tok, enc, err := newInferenceStack(cfg)
	if err != nil {
		return err
	}
	defer enc.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	flush := func(batch []string) error {
		if len(batch) == 0 {
			return nil
		}
		emb, err := embedBatch(tok, enc, batch)
		if err != nil {
			return err
		}
		for i := range batch {
			row := emb.Row(i)
			parts := make([]string, len(row))
			for j, v := range row {
				parts[j] = fmt.Sprintf("%g", v)
			}
			fmt.Fprintln(out, strings.Join(parts, "\t"))
		}
		return nil
	}

	var batch []string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		batch = append(batch, text)
		if len(batch) == *batchSize {
			if err := flush(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("embed: read stdin: %w", err)
	}
	return flush(batch)
}
