package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layoutid/internal"
	"layoutid/internal/encoder"
)

type stubEncoder struct {
	dims   int
	closed bool
}

func (s *stubEncoder) Encode(context.Context, string) ([]float32, error) {
	return make([]float32, s.dims), nil
}
func (s *stubEncoder) ModelID() string { return "stub" }
func (s *stubEncoder) Dims() int       { return s.dims }
func (s *stubEncoder) Close() error    { s.closed = true; return nil }

func sampleArtifacts() Artifacts {
	return Artifacts{
		Rows:   [][]float32{{1, 0}, {0, 1}, {0.5, 0.5}},
		Labels: []string{"101", "202", "101"},
		Layouts: []internal.Layout{
			{Code: "101", Description: "Banco Alfa", OriginSystem: "Alfa", Format: internal.FormatPDF, ReportType: "Bancário"},
			{Code: "202", Description: "Fornecedores", OriginSystem: "ERP", Format: internal.FormatExcel, ReportType: "Financeiro"},
		},
	}
}

func TestArtifactsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))

	got, err := ReadArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, sampleArtifacts().Rows, got.Rows)
	assert.Equal(t, sampleArtifacts().Labels, got.Labels)
	assert.Equal(t, sampleArtifacts().Layouts, got.Layouts)
}

func TestReadArtifactsLegacyKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, Artifacts{Rows: [][]float32{{1}, {2}}}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LabelsFile), []byte(`[101, "202"]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte(`[
  {"codigo_layout": 101, "descricao": "Banco Alfa", "sistema": "Alfa", "cabecalho": "extrato",
   "formato": "xlsx", "tipo_relatorio": "Bancário", "url_previa": "http://img/101.png"},
  {"code": "202", "description": "Fornecedores", "format": "txt"},
  {"descricao": "sem codigo"}
]`), 0o644))

	got, err := ReadArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "202"}, got.Labels)
	require.Len(t, got.Layouts, 2)
	assert.Equal(t, internal.Layout{
		Code: "101", Description: "Banco Alfa", OriginSystem: "Alfa", HeaderSample: "extrato",
		Format: internal.FormatExcel, ReportType: "Bancário", PreviewURL: "http://img/101.png",
	}, got.Layouts[0])
	assert.Equal(t, internal.FormatText, got.Layouts[1].Format)
}

func TestReadArtifactsErrors(t *testing.T) {
	_, err := ReadArtifacts(t.TempDir())
	assert.ErrorIs(t, err, ErrArtifactsMissing)

	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, EmbeddingsFile), []byte("NOPE\x00\x00\x00\x00\x00\x00\x00\x00"), 0o644))
	_, err = ReadArtifacts(dir)
	assert.ErrorContains(t, err, "bad magic")
}

func TestNewSnapshotValidates(t *testing.T) {
	a := sampleArtifacts()
	a.Labels = a.Labels[:2]
	_, err := NewSnapshot(nil, a)
	assert.Error(t, err)

	a = sampleArtifacts()
	a.Rows[1] = []float32{1, 2, 3}
	_, err = NewSnapshot(nil, a)
	assert.Error(t, err)

	_, err = NewSnapshot(&stubEncoder{dims: 3}, sampleArtifacts())
	assert.ErrorContains(t, err, "encoder produces 3 dims")

	s, err := NewSnapshot(&stubEncoder{dims: 2}, sampleArtifacts())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Dims)
	assert.InDelta(t, 1.0, s.Norms[0], 1e-9)
	assert.InDelta(t, 1.0, s.Cosine([]float32{2, 0}, 2, 0), 1e-9)
	assert.InDelta(t, 0.0, s.Cosine([]float32{0, 0}, 0, 0), 1e-9)
}

type previewDecorator struct {
	err   error
	calls int
}

func (p *previewDecorator) Name() string { return "preview" }

func (p *previewDecorator) Decorate(_ context.Context, layouts map[string]internal.Layout) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	l := layouts["101"]
	l.PreviewURL = "http://img/101.png"
	layouts["101"] = l
	return nil
}

func TestLoaderLoadsOnceAndDecorates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))

	factoryCalls := 0
	dec := &previewDecorator{}
	l := NewLoader(dir, func() (encoder.Encoder, error) {
		factoryCalls++
		return &stubEncoder{dims: 2}, nil
	}, nil, dec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := l.Load(context.Background())
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	s, ok := l.Load(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, dec.calls)
	assert.Equal(t, 1, factoryCalls)
	assert.Equal(t, "http://img/101.png", s.Layouts["101"].PreviewURL)
}

func TestLoaderDecoratorFailureDoesNotFailLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))

	l := NewLoader(dir, func() (encoder.Encoder, error) { return &stubEncoder{dims: 2}, nil }, nil,
		&previewDecorator{err: errors.New("catalog down")})
	s, ok := l.Load(context.Background())
	require.True(t, ok)
	assert.Empty(t, s.Layouts["101"].PreviewURL)
}

func TestLoaderFailureIsNotCached(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, func() (encoder.Encoder, error) { return &stubEncoder{dims: 2}, nil }, nil)

	_, ok := l.Load(context.Background())
	assert.False(t, ok)

	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))
	_, ok = l.Load(context.Background())
	assert.True(t, ok)
}

func TestLoaderEncoderFactoryRetried(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))

	fail := true
	l := NewLoader(dir, func() (encoder.Encoder, error) {
		if fail {
			return nil, errors.New("model missing")
		}
		return &stubEncoder{dims: 2}, nil
	}, nil)

	_, ok := l.Load(context.Background())
	assert.False(t, ok)
	fail = false
	_, ok = l.Load(context.Background())
	assert.True(t, ok)
}

func TestLoaderReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))
	enc := &stubEncoder{dims: 2}
	l := NewLoader(dir, func() (encoder.Encoder, error) { return enc, nil }, nil)

	first, ok := l.Load(context.Background())
	require.True(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, LabelsFile), []byte(`["only-one"]`), 0o644))
	require.ErrorIs(t, l.Reload(context.Background()), ErrIndexUnavailable)
	assert.Same(t, first, l.Current())

	a := sampleArtifacts()
	a.Layouts = a.Layouts[:1]
	require.NoError(t, WriteArtifacts(dir, a))
	require.NoError(t, l.Reload(context.Background()))
	second := l.Current()
	assert.NotSame(t, first, second)
	assert.Len(t, second.Layouts, 1)
	assert.Len(t, first.Layouts, 2, "published snapshots are never mutated")
	assert.Same(t, first.Encoder, second.Encoder)

	require.NoError(t, l.Close())
	assert.True(t, enc.closed)
}

func TestLoaderInvalidateAndPublish(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteArtifacts(dir, sampleArtifacts()))
	l := NewLoader(dir, func() (encoder.Encoder, error) { return &stubEncoder{dims: 2}, nil }, nil)

	first, ok := l.Load(context.Background())
	require.True(t, ok)
	l.Invalidate()
	assert.Nil(t, l.Current())

	built, err := l.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Nil(t, l.Current(), "rebuild does not publish")
	l.Publish(built)
	assert.Same(t, built, l.Current())
	assert.NotSame(t, first, built)
}
