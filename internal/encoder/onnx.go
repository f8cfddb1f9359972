package encoder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"layoutid/internal/metrics"
)

type ONNXConfig struct {
	LibraryPath   string
	ModelPath     string
	TokenizerPath string
	InputNames    []string
	OutputName    string
	MaxSeqLen     int
}

// ONNX runs a sentence-embedding model locally through onnxruntime.
// Token-level outputs are mean pooled over the attention mask; every
// vector is L2 normalized.
type ONNX struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	tk      *tokenizer.Tokenizer
	cfg     ONNXConfig
	dims    int
}

var ortInit sync.Mutex

func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx encoder needs a model and a tokenizer: %w", ErrNotInitialized)
	}
	if len(cfg.InputNames) == 0 {
		cfg.InputNames = []string{"input_ids", "attention_mask"}
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "last_hidden_state"
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 256
	}
	for _, name := range cfg.InputNames {
		if _, err := inputFor(name, nil); err != nil {
			return nil, err
		}
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	ortInit.Lock()
	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInit.Unlock()
			return nil, fmt.Errorf("init onnxruntime: %w", err)
		}
	}
	ortInit.Unlock()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, cfg.InputNames, []string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("open onnx model: %w", err)
	}
	return &ONNX{session: session, tk: tk, cfg: cfg}, nil
}

func (o *ONNX) ModelID() string {
	return "onnx:" + filepath.Base(o.cfg.ModelPath)
}

func (o *ONNX) Dims() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

func (o *ONNX) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}

func (o *ONNX) Encode(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.EncoderDuration.WithLabelValues("onnx").Observe(time.Since(start).Seconds()) }()

	enc, err := o.tk.EncodeSingle(NormalizeText(text), true)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	toks := truncate(tokens{ids: enc.GetIds(), mask: enc.GetAttentionMask(), types: enc.GetTypeIds()}, o.cfg.MaxSeqLen)
	if len(toks.ids) == 0 {
		return nil, fmt.Errorf("tokenizer produced no tokens")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil, ErrNotInitialized
	}

	inputs := make([]ort.Value, 0, len(o.cfg.InputNames))
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, name := range o.cfg.InputNames {
		data, _ := inputFor(name, &toks)
		t, err := ort.NewTensor(ort.NewShape(1, int64(len(data))), data)
		if err != nil {
			return nil, fmt.Errorf("input tensor %s: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	if err := o.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s is not a float32 tensor", o.cfg.OutputName)
	}
	vec, err := pool(out.GetData(), out.GetShape(), toks.mask)
	if err != nil {
		return nil, err
	}
	o.dims = len(vec)
	return l2Normalize(vec), nil
}

type tokens struct {
	ids, mask, types []int
}

// inputFor selects the token column for a model input. With toks nil it only
// validates the name.
func inputFor(name string, toks *tokens) ([]int64, error) {
	var src []int
	switch name {
	case "input_ids":
		if toks != nil {
			src = toks.ids
		}
	case "attention_mask":
		if toks != nil {
			src = toks.mask
		}
	case "token_type_ids":
		if toks != nil {
			src = toks.types
			if len(src) != len(toks.ids) {
				src = make([]int, len(toks.ids))
			}
		}
	default:
		return nil, fmt.Errorf("unsupported onnx input %q", name)
	}
	out := make([]int64, len(src))
	for i, v := range src {
		out[i] = int64(v)
	}
	return out, nil
}

// truncate keeps the first max-1 tokens plus the final special token.
func truncate(t tokens, max int) tokens {
	if len(t.ids) <= max || max < 2 {
		return t
	}
	cut := func(s []int) []int {
		if len(s) != len(t.ids) {
			return s
		}
		out := append([]int{}, s[:max-1]...)
		return append(out, s[len(s)-1])
	}
	return tokens{ids: cut(t.ids), mask: cut(t.mask), types: cut(t.types)}
}

// pool reduces model output to one vector. A [1, seq, dim] output is mean
// pooled over the attention mask; a [1, dim] output is used as is.
func pool(data []float32, shape ort.Shape, mask []int) ([]float32, error) {
	switch len(shape) {
	case 2:
		dim := int(shape[1])
		if len(data) < dim {
			return nil, fmt.Errorf("output shape %v does not match %d values", shape, len(data))
		}
		return append([]float32{}, data[:dim]...), nil
	case 3:
		seq, dim := int(shape[1]), int(shape[2])
		if len(data) < seq*dim {
			return nil, fmt.Errorf("output shape %v does not match %d values", shape, len(data))
		}
		out := make([]float32, dim)
		var count float32
		for i := 0; i < seq; i++ {
			if i < len(mask) && mask[i] == 0 {
				continue
			}
			row := data[i*dim : (i+1)*dim]
			for j, v := range row {
				out[j] += v
			}
			count++
		}
		if count == 0 {
			return nil, fmt.Errorf("attention mask selects no tokens")
		}
		for j := range out {
			out[j] /= count
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported output rank %d", len(shape))
	}
}
