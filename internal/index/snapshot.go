package index

import (
	"fmt"
	"math"
	"time"

	"layoutid/internal"
	"layoutid/internal/encoder"
)

// Snapshot is one immutable, fully built index. Rows[i] is an embedding of
// the layout Labels[i]; a layout may own several rows.
type Snapshot struct {
	Encoder  encoder.Encoder
	Rows     [][]float32
	Norms    []float64
	Labels   []string
	Layouts  map[string]internal.Layout
	Dims     int
	LoadedAt time.Time
}

// NewSnapshot validates the artifacts against each other and the encoder.
func NewSnapshot(enc encoder.Encoder, a Artifacts) (*Snapshot, error) {
	if len(a.Labels) != len(a.Rows) {
		return nil, fmt.Errorf("labels has %d entries for %d embeddings", len(a.Labels), len(a.Rows))
	}

	dims := 0
	if len(a.Rows) > 0 {
		dims = len(a.Rows[0])
	}
	norms := make([]float64, len(a.Rows))
	for i, row := range a.Rows {
		if len(row) != dims {
			return nil, fmt.Errorf("embedding %d has %d dims, want %d", i, len(row), dims)
		}
		norms[i] = Norm(row)
	}
	if enc != nil && enc.Dims() > 0 && len(a.Rows) > 0 && enc.Dims() != dims {
		return nil, fmt.Errorf("encoder produces %d dims, index has %d", enc.Dims(), dims)
	}

	layouts := make(map[string]internal.Layout, len(a.Layouts))
	for _, l := range a.Layouts {
		layouts[l.Code] = l
	}

	return &Snapshot{
		Encoder:  enc,
		Rows:     a.Rows,
		Norms:    norms,
		Labels:   a.Labels,
		Layouts:  layouts,
		Dims:     dims,
		LoadedAt: time.Now(),
	}, nil
}

// Cosine returns the cosine similarity between q and row i, or 0 when
// either vector is all zeros.
func (s *Snapshot) Cosine(q []float32, qNorm float64, i int) float64 {
	if qNorm == 0 || s.Norms[i] == 0 {
		return 0
	}
	var dot float64
	for j, v := range s.Rows[i] {
		dot += float64(v) * float64(q[j])
	}
	return dot / (qNorm * s.Norms[i])
}

// Layout returns the catalog entry for code.
func (s *Snapshot) Layout(code string) (internal.Layout, bool) {
	l, ok := s.Layouts[code]
	return l, ok
}

func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
