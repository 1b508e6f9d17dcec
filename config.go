package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ===========================================================================
// CONFIGURATION
// ===========================================================================
//
// All tunables live in a single YAML file (simcse.yaml by default),
// overridable through SIMCSE_-prefixed environment variables. The
// similarity temperature is deliberately absent: it is a fixed constant
// of the objective, not a knob.
//
// ===========================================================================

// Config is the root configuration.
type Config struct {
	Encoder  EncoderSettings `mapstructure:"encoder"`
	Prefix   PrefixSettings  `mapstructure:"prefix"`
	Training TrainSettings   `mapstructure:"training"`
	ONNX     ONNXSettings    `mapstructure:"onnx"`
	Store    StoreConfig     `mapstructure:"store"`
	LogLevel string          `mapstructure:"log_level"`
}

// EncoderSettings sizes the trainable encoder and tokenizer.
type EncoderSettings struct {
	VocabPath  string  `mapstructure:"vocab_path"`
	VocabSize  int     `mapstructure:"vocab_size"`
	HiddenSize int     `mapstructure:"hidden_size"`
	MaxSeqLen  int     `mapstructure:"max_seq_len"`
	NumHeads   int     `mapstructure:"num_heads"`
	NumLayers  int     `mapstructure:"num_layers"`
	FFDim      int     `mapstructure:"ff_dim"`
	Dropout    float64 `mapstructure:"dropout"`
}

// PrefixSettings sizes the prefix generator.
type PrefixSettings struct {
	PreSeqLen  int     `mapstructure:"pre_seq_len"`
	ReparamDim int     `mapstructure:"reparam_dim"`
	Dropout    float64 `mapstructure:"dropout"`
}

// TrainSettings controls the optimization loop.
type TrainSettings struct {
	Variant      string  `mapstructure:"variant"` // supervised | unsupervised | prefix
	DataPath     string  `mapstructure:"data_path"`
	BatchSize    int     `mapstructure:"batch_size"`
	Epochs       int     `mapstructure:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate"`
	WeightDecay  float64 `mapstructure:"weight_decay"`
	WarmupSteps  int     `mapstructure:"warmup_steps"`
	ClipNorm     float64 `mapstructure:"clip_norm"`
	Seed         int64   `mapstructure:"seed"`
}

// ONNXSettings locates the exported inference model.
type ONNXSettings struct {
	ModelPath string `mapstructure:"model_path"`
	LibPath   string `mapstructure:"lib_path"`
}

// LoadConfig reads configuration from the given file (or the defaults
// when path is empty) with environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("encoder.vocab_path", "vocab.txt")
	v.SetDefault("encoder.vocab_size", 30522)
	v.SetDefault("encoder.hidden_size", 128)
	v.SetDefault("encoder.max_seq_len", 64)
	v.SetDefault("encoder.num_heads", 4)
	v.SetDefault("encoder.num_layers", 2)
	v.SetDefault("encoder.ff_dim", 256)
	v.SetDefault("encoder.dropout", 0.1)

	v.SetDefault("prefix.pre_seq_len", 5)
	v.SetDefault("prefix.reparam_dim", 512)
	v.SetDefault("prefix.dropout", 0.0)

	v.SetDefault("training.variant", "supervised")
	v.SetDefault("training.data_path", "train.tsv")
	v.SetDefault("training.batch_size", 16)
	v.SetDefault("training.epochs", 1)
	v.SetDefault("training.learning_rate", 3e-5)
	v.SetDefault("training.weight_decay", 0.01)
	v.SetDefault("training.warmup_steps", 100)
	v.SetDefault("training.clip_norm", 1.0)
	v.SetDefault("training.seed", 42)

	v.SetDefault("onnx.model_path", "models/model.onnx")
	v.SetDefault("onnx.lib_path", "models/libonnxruntime.so")

	v.SetDefault("store.database_url", "postgres://localhost:5432/simcse?sslmode=disable")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("simcse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SIMCSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; defaults and env
		// variables still apply. An explicit path must exist.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Training.Variant {
	case "supervised", "unsupervised", "prefix":
	default:
		return fmt.Errorf("%w: unknown training variant %q", ErrInvalidConfig, c.Training.Variant)
	}
	if c.Encoder.HiddenSize%c.Encoder.NumHeads != 0 {
		return fmt.Errorf("%w: hidden_size %d not divisible by num_heads %d",
			ErrInvalidConfig, c.Encoder.HiddenSize, c.Encoder.NumHeads)
	}
	if c.Training.BatchSize < 1 || c.Training.Epochs < 1 {
		return fmt.Errorf("%w: batch_size and epochs must be positive", ErrInvalidConfig)
	}
	return nil
}

// EncoderConfig converts the settings into the encoder's constructor
// configuration.
func (c *Config) EncoderConfig() EncoderConfig {
	return EncoderConfig{
		VocabSize:  c.Encoder.VocabSize,
		HiddenSize: c.Encoder.HiddenSize,
		MaxSeqLen:  c.Encoder.MaxSeqLen,
		NumHeads:   c.Encoder.NumHeads,
		NumLayers:  c.Encoder.NumLayers,
		FFHidden:   c.Encoder.FFDim,
		Dropout:    c.Encoder.Dropout,
	}
}

// PrefixConfig converts the settings into the prefix generator's
// constructor configuration.
func (c *Config) PrefixConfig() PrefixConfig {
	return PrefixConfig{
		PreSeqLen:  c.Prefix.PreSeqLen,
		HiddenSize: c.Encoder.HiddenSize,
		NumLayers:  c.Encoder.NumLayers,
		NumHeads:   c.Encoder.NumHeads,
		ReparamDim: c.Prefix.ReparamDim,
		Dropout:    c.Prefix.Dropout,
	}
}
