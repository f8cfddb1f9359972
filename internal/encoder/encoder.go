package encoder

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"layoutid/internal/config"
)

// Encoder maps text into the embedding space the index was trained in.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	// ModelID identifies the model; cache keys include it.
	ModelID() string
	// Dims is the output width, or 0 when it is only known after the first call.
	Dims() int
	Close() error
}

var ErrNotInitialized = errors.New("encoder is not initialized")

// FromConfig builds the encoder named by ENCODER_TYPE. Cache wrapping is left
// to the caller because it needs a store.
func FromConfig(cfg config.Config, log *zap.Logger) (Encoder, error) {
	switch cfg.EncoderType {
	case "onnx", "":
		return NewONNX(ONNXConfig{
			LibraryPath:   cfg.OrtLibPath,
			ModelPath:     cfg.ONNXModelPath,
			TokenizerPath: cfg.TokenizerPath,
			InputNames:    splitNames(cfg.ONNXInputs),
			OutputName:    cfg.ONNXOutput,
			MaxSeqLen:     cfg.MaxSeqLen,
		})
	case "openai":
		if err := cfg.Require("OPENAI_API_KEY", cfg.OpenAIAPIKey); err != nil {
			return nil, err
		}
		return NewOpenAI(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			Dimensions: cfg.EmbedDims,
			Logger:     log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown encoder type %q", cfg.EncoderType)
	}
}

func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
