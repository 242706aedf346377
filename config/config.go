package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port          int  `koanf:"port"`
	Debug         bool `koanf:"debug"`
	MaxUploadSize int  `koanf:"maxuploadsize"` // in MB
}

// ModelConfig locates the backbone graph and head weights and describes the topology
type ModelConfig struct {
	Backbone     string   `koanf:"backbone"`
	Weights      string   `koanf:"weights"`
	ONNXRuntime  string   `koanf:"onnxruntime"`
	FeatureLayer string   `koanf:"featurelayer"`
	ImageSize    int      `koanf:"imagesize"`
	FeatureShape []int    `koanf:"featureshape"`
	Classes      []string `koanf:"classes"`
	Dropout      float64  `koanf:"dropout"`
}

// PreprocessConfig related to upload normalization
type PreprocessConfig struct {
	Interpolation string    `koanf:"interpolation"`
	Mean          []float64 `koanf:"mean"`
	ChannelOrder  string    `koanf:"channelorder"`
}

// OverlayConfig related to the Grad-CAM composite
type OverlayConfig struct {
	Alpha    float64 `koanf:"alpha"`
	Colormap string  `koanf:"colormap"`
	Format   string  `koanf:"format"`
}

// AppConfig defines
type AppConfig struct {
	Server     ServerConfig     `koanf:"server"`
	Model      ModelConfig      `koanf:"model"`
	Preprocess PreprocessConfig `koanf:"preprocess"`
	Overlay    OverlayConfig    `koanf:"overlay"`
}

// Config - Global variable to export
var Config AppConfig

func defaults() map[string]any {
	return map[string]any{
		"server.port":              8080,
		"server.debug":             false,
		"server.maxuploadsize":     10,
		"model.backbone":           "models/resnet50_backbone.onnx",
		"model.weights":            "models/pneumonia_head.safetensors",
		"model.onnxruntime":        "",
		"model.featurelayer":       "conv5_block3_out",
		"model.imagesize":          224,
		"model.featureshape":       []int{7, 7, 2048},
		"model.classes":            []string{"NORMAL", "PNEUMONIA"},
		"model.dropout":            0.3,
		"preprocess.interpolation": "bicubic",
		"preprocess.mean":          []float64{103.939, 116.779, 123.68},
		"preprocess.channelorder":  "bgr",
		"overlay.alpha":            0.6,
		"overlay.colormap":         "jet",
		"overlay.format":           "png",
	}
}

// Init - Assign global config to decoded config struct. A missing file is not
// an error: the defaults describe the stock model layout.
func Init(filePath string) error {
	cfg, err := Load(filePath)
	if err != nil {
		return err
	}
	Config = *cfg
	return nil
}

// Load reads defaults, the optional YAML file and CFG_ prefixed environment
// variables, in that order of precedence.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", filePath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("server.maxuploadsize must be positive, got %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Model.ImageSize <= 0 {
		return fmt.Errorf("model.imagesize must be positive, got %d", cfg.Model.ImageSize)
	}
	if len(cfg.Model.FeatureShape) != 3 {
		return fmt.Errorf("model.featureshape must be [height, width, channels], got %v", cfg.Model.FeatureShape)
	}
	for _, d := range cfg.Model.FeatureShape {
		if d <= 0 {
			return fmt.Errorf("model.featureshape must be positive, got %v", cfg.Model.FeatureShape)
		}
	}
	if len(cfg.Model.Classes) < 2 {
		return fmt.Errorf("model.classes needs at least two labels, got %v", cfg.Model.Classes)
	}
	if cfg.Model.FeatureLayer == "" {
		return fmt.Errorf("model.featurelayer is empty")
	}
	if cfg.Model.Dropout < 0 || cfg.Model.Dropout >= 1 {
		return fmt.Errorf("model.dropout must be in [0, 1), got %v", cfg.Model.Dropout)
	}
	switch cfg.Preprocess.Interpolation {
	case "nearest", "bilinear", "bicubic", "lanczos3":
	default:
		return fmt.Errorf("unknown preprocess.interpolation %q", cfg.Preprocess.Interpolation)
	}
	if len(cfg.Preprocess.Mean) != 3 {
		return fmt.Errorf("preprocess.mean needs three channel means, got %v", cfg.Preprocess.Mean)
	}
	switch cfg.Preprocess.ChannelOrder {
	case "rgb", "bgr":
	default:
		return fmt.Errorf("unknown preprocess.channelorder %q", cfg.Preprocess.ChannelOrder)
	}
	if cfg.Overlay.Alpha < 0 || cfg.Overlay.Alpha > 1 {
		return fmt.Errorf("overlay.alpha must be in [0, 1], got %v", cfg.Overlay.Alpha)
	}
	switch cfg.Overlay.Colormap {
	case "jet", "hot":
	default:
		return fmt.Errorf("unknown overlay.colormap %q", cfg.Overlay.Colormap)
	}
	switch cfg.Overlay.Format {
	case "png", "jpeg":
	default:
		return fmt.Errorf("unknown overlay.format %q", cfg.Overlay.Format)
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
