package match

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/extract"
	"layoutid/internal/index"
	"layoutid/internal/logger"
	"layoutid/internal/metrics"
)

type Extractor interface {
	Extract(path, password string) extract.Result
}

type IndexSource interface {
	Load(ctx context.Context) (*index.Snapshot, bool)
}

// Engine ranks catalog layouts against a submitted file. It never mutates
// the index; every call works on the snapshot published when it started.
type Engine struct {
	index     IndexSource
	extractor Extractor
	weights   Weights
	pageSize  int
	logger    *zap.Logger
}

func NewEngine(idx IndexSource, ex Extractor, w Weights, pageSize int, log *zap.Logger) *Engine {
	if w.MaxResults <= 0 {
		w.MaxResults = DefaultWeights().MaxResults
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Engine{index: idx, extractor: ex, weights: w, pageSize: pageSize, logger: logger.OrNop(log)}
}

// Identify extracts path and returns the best matching layouts. Failures
// come back as tagged outcomes, never as errors.
func (e *Engine) Identify(ctx context.Context, path string, hints internal.Hints, password string) internal.Outcome {
	start := time.Now()
	out := e.identify(ctx, path, hints, password)
	metrics.IdentifyDuration.Observe(time.Since(start).Seconds())

	label := string(out.Status)
	if out.Status == internal.OutcomeError {
		label = string(out.ErrorKind)
	}
	metrics.IdentifyTotal.WithLabelValues(label).Inc()

	log := logger.FromContext(ctx, e.logger)
	log.Info("identify",
		zap.String("file", filepath.Base(path)),
		zap.String("status", string(out.Status)),
		zap.String("errorKind", string(out.ErrorKind)),
		zap.Int("candidates", len(out.Candidates)),
		zap.Duration("took", time.Since(start)),
	)
	return out
}

func (e *Engine) identify(ctx context.Context, path string, hints internal.Hints, password string) internal.Outcome {
	snap, ok := e.index.Load(ctx)
	if !ok || snap == nil {
		return internal.Failure(internal.ErrorIndexUnavailable, "index is not loaded")
	}

	res := e.extractor.Extract(path, password)
	switch res.Status {
	case extract.StatusPasswordRequired:
		return internal.PasswordRequired()
	case extract.StatusPasswordIncorrect:
		return internal.PasswordIncorrect()
	case extract.StatusText:
	default:
		return internal.Failure(internal.ErrorUnreadable, "file could not be read")
	}
	if strings.TrimSpace(res.Text) == "" {
		return internal.Failure(internal.ErrorUnreadable, "no text could be extracted")
	}

	format := res.Format
	if format == "" {
		format = internal.NormalizeFormat(filepath.Ext(path))
	}

	cands, err := e.Rank(ctx, snap, res.Text, format, hints, res.WasOCR)
	if err != nil {
		e.logger.Warn("query encoding failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		return internal.Failure(internal.ErrorEncodingFailed, err.Error())
	}
	return internal.OK(cands)
}

type scored struct {
	code   string
	raw    float64
	score  float64
	layout internal.Layout
}

// Rank scores text against snap. It is a pure function of its inputs and
// the snapshot.
func (e *Engine) Rank(ctx context.Context, snap *index.Snapshot, text string, format internal.Format, hints internal.Hints, wasOCR bool) ([]internal.Candidate, error) {
	query := text
	if d := strings.TrimSpace(hints.Description); d != "" {
		query = text + " " + d
	}
	q, err := snap.Encoder.Encode(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(snap.Rows) > 0 && len(q) != snap.Dims {
		return nil, fmt.Errorf("query has %d dims, index has %d", len(q), snap.Dims)
	}
	qNorm := index.Norm(q)

	// Best row per layout code, in first-seen order.
	best := map[string]int{}
	all := make([]scored, 0, len(snap.Rows))
	for i, code := range snap.Labels {
		raw := snap.Cosine(q, qNorm, i) * 100
		l, ok := snap.Layout(code)
		score := raw
		if ok {
			score += e.weights.Bonus(hints, l)
		}
		if j, seen := best[code]; seen {
			if score > all[j].score {
				all[j].raw, all[j].score = raw, score
			}
			continue
		}
		best[code] = len(all)
		all = append(all, scored{code: code, raw: raw, score: score, layout: l})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	out := make([]internal.Candidate, 0, e.weights.MaxResults)
	for _, s := range all {
		if len(out) == e.weights.MaxResults {
			break
		}
		if _, ok := snap.Layouts[s.code]; !ok {
			continue
		}
		if internal.NormalizeFormat(string(s.layout.Format)) != format {
			continue
		}
		if !reportTypeMatches(hints.ReportType, s.layout) {
			continue
		}
		out = append(out, internal.Candidate{
			LayoutCode:    s.code,
			RawScore:      s.raw,
			Score:         s.score,
			Compatibility: e.weights.Tier(s.score),
			Banco:         Banco(s.layout),
			PreviewURL:    s.layout.PreviewURL,
			WasOCR:        wasOCR,
		})
	}
	return out, nil
}
