package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/encoder"
	"layoutid/internal/logger"
	"layoutid/internal/metrics"
)

// ErrIndexUnavailable wraps every failure to build a snapshot.
var ErrIndexUnavailable = errors.New("index unavailable")

// Decorator adjusts the layout catalog between build and publish. Its
// errors are logged and never fail a load.
type Decorator interface {
	Name() string
	Decorate(ctx context.Context, layouts map[string]internal.Layout) error
}

// EncoderFactory builds the query encoder. It is called until it succeeds
// once; the encoder is then shared by every later snapshot.
type EncoderFactory func() (encoder.Encoder, error)

// Loader owns the published snapshot. Readers always see a complete
// snapshot; a rebuild never exposes partial state.
type Loader struct {
	dir        string
	newEncoder EncoderFactory
	decorators []Decorator
	logger     *zap.Logger

	current atomic.Pointer[Snapshot]
	buildMu sync.Mutex
	encMu   sync.Mutex
	enc     encoder.Encoder
}

func NewLoader(dir string, newEncoder EncoderFactory, log *zap.Logger, decorators ...Decorator) *Loader {
	return &Loader{
		dir:        dir,
		newEncoder: newEncoder,
		decorators: decorators,
		logger:     logger.OrNop(log),
	}
}

// Load returns the published snapshot, building and publishing it first if
// needed. A failed build is logged and reported as false; it is not cached,
// so the next call tries again.
func (l *Loader) Load(ctx context.Context) (*Snapshot, bool) {
	if s := l.current.Load(); s != nil {
		return s, true
	}

	l.buildMu.Lock()
	defer l.buildMu.Unlock()
	if s := l.current.Load(); s != nil {
		return s, true
	}

	s, err := l.rebuild(ctx)
	if err != nil {
		l.logger.Error("index load failed", zap.String("dir", l.dir), zap.Error(err))
		return nil, false
	}
	l.current.Store(s)
	return s, true
}

// Current returns the published snapshot without triggering a build.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Invalidate drops the published snapshot; the next Load rebuilds.
func (l *Loader) Invalidate() {
	l.current.Store(nil)
}

// Rebuild builds a fresh snapshot from disk without publishing it.
func (l *Loader) Rebuild(ctx context.Context) (*Snapshot, error) {
	l.buildMu.Lock()
	defer l.buildMu.Unlock()
	return l.rebuild(ctx)
}

func (l *Loader) Publish(s *Snapshot) {
	if s != nil {
		l.current.Store(s)
	}
}

// Reload rebuilds and publishes. On failure the previous snapshot stays.
func (l *Loader) Reload(ctx context.Context) error {
	l.buildMu.Lock()
	defer l.buildMu.Unlock()

	s, err := l.rebuild(ctx)
	if err != nil {
		l.logger.Error("index reload failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	l.current.Store(s)
	return nil
}

func (l *Loader) rebuild(ctx context.Context) (*Snapshot, error) {
	s, err := l.build(ctx)
	if err != nil {
		metrics.IndexLoadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	metrics.IndexLoadsTotal.WithLabelValues("ok").Inc()
	l.logger.Info("index built",
		zap.Int("embeddings", len(s.Rows)),
		zap.Int("layouts", len(s.Layouts)),
		zap.Int("dims", s.Dims),
	)
	return s, nil
}

func (l *Loader) build(ctx context.Context) (*Snapshot, error) {
	enc, err := l.encoder()
	if err != nil {
		return nil, fmt.Errorf("init encoder: %w", err)
	}
	a, err := ReadArtifacts(l.dir)
	if err != nil {
		return nil, err
	}
	s, err := NewSnapshot(enc, a)
	if err != nil {
		return nil, err
	}

	for _, d := range l.decorators {
		if err := d.Decorate(ctx, s.Layouts); err != nil {
			metrics.EnrichmentFailuresTotal.Inc()
			l.logger.Warn("index decorator failed", zap.String("decorator", d.Name()), zap.Error(err))
		}
	}
	return s, nil
}

func (l *Loader) encoder() (encoder.Encoder, error) {
	l.encMu.Lock()
	defer l.encMu.Unlock()
	if l.enc != nil {
		return l.enc, nil
	}
	if l.newEncoder == nil {
		return nil, encoder.ErrNotInitialized
	}
	enc, err := l.newEncoder()
	if err != nil {
		return nil, err
	}
	l.enc = enc
	return enc, nil
}

// Close releases the encoder.
func (l *Loader) Close() error {
	l.encMu.Lock()
	defer l.encMu.Unlock()
	if l.enc == nil {
		return nil
	}
	err := l.enc.Close()
	l.enc = nil
	return err
}
