// Package config merges defaults, an optional config file, BCD_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/bcd-api/internal/model"
	"github.com/Brownie44l1/bcd-api/internal/predictor"
)

const EnvPrefix = "BCD"

type Config struct {
	ModelPath      string `mapstructure:"model_path"`
	Extractor      string `mapstructure:"extractor"`
	ONNXPath       string `mapstructure:"onnx_path"`
	MetadataPath   string `mapstructure:"metadata_path"`
	ONNXRuntimeLib string `mapstructure:"onnxruntime_lib"`
	UseCUDA        bool   `mapstructure:"use_cuda"`
	NumThreads     int    `mapstructure:"num_threads"`
	ConvStride     int    `mapstructure:"conv_stride"`
	OutputPath     string `mapstructure:"output_path"`
	UploadDir      string `mapstructure:"upload_dir"`
	Port           string `mapstructure:"port"`
	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_path", "models/model_best.safetensors")
	v.SetDefault("extractor", model.ExtractorONNX)
	v.SetDefault("onnx_path", "models/features.onnx")
	v.SetDefault("metadata_path", "models/model_metadata.json")
	v.SetDefault("onnxruntime_lib", "")
	v.SetDefault("use_cuda", true)
	v.SetDefault("num_threads", 0)
	v.SetDefault("conv_stride", 2)
	v.SetDefault("output_path", predictor.DefaultOutputPath)
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
}

// Load builds the configuration. configFile may be empty. Flags are matched
// to keys by name with dashes turned into underscores (--model-path sets
// model_path).
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// the server has always honoured a bare PORT
	if port := os.Getenv("PORT"); port != "" {
		v.SetDefault("port", port)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model_path must be set")
	}
	switch c.Extractor {
	case model.ExtractorONNX:
		if c.ONNXPath == "" || c.MetadataPath == "" {
			return fmt.Errorf("onnx extractor needs onnx_path and metadata_path")
		}
	case model.ExtractorConv:
		if c.ConvStride <= 0 {
			return fmt.Errorf("conv_stride must be positive, got %d", c.ConvStride)
		}
	default:
		return fmt.Errorf("unknown extractor %q", c.Extractor)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path must be set")
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("num_threads must not be negative")
	}
	return nil
}

func (c *Config) ModelOptions() model.Options {
	return model.Options{
		ModelPath:    c.ModelPath,
		Extractor:    c.Extractor,
		ONNXPath:     c.ONNXPath,
		MetadataPath: c.MetadataPath,
		ConvStride:   c.ConvStride,
		RuntimeLib:   c.ONNXRuntimeLib,
	}
}
