package catalog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/config"
	"layoutid/internal/logger"
)

type previewSource interface {
	Previews(ctx context.Context) (map[string]string, error)
}

// Enricher overwrites local preview URLs with the ones the catalog API
// serves. It is applied to a freshly built index before it is published.
type Enricher struct {
	source previewSource
	logger *zap.Logger
}

func NewEnricher(source previewSource, log *zap.Logger) *Enricher {
	return &Enricher{source: source, logger: logger.OrNop(log)}
}

// EnricherFromConfig returns nil when enrichment is switched off or no
// secret is configured.
func EnricherFromConfig(cfg config.Config, log *zap.Logger) *Enricher {
	if cfg.CatalogEnrichmentOff {
		return nil
	}
	client, err := NewClient(OptionsFromConfig(cfg, log))
	if err != nil {
		logger.OrNop(log).Info("catalog enrichment disabled", zap.Error(err))
		return nil
	}
	return NewEnricher(client, log)
}

func (e *Enricher) Name() string { return "catalog-preview" }

func (e *Enricher) Decorate(ctx context.Context, layouts map[string]internal.Layout) error {
	previews, err := e.source.Previews(ctx)
	if err != nil {
		return fmt.Errorf("fetch previews: %w", err)
	}

	updated := 0
	for code, url := range previews {
		l, ok := layouts[code]
		if !ok {
			continue
		}
		l.PreviewURL = url
		layouts[code] = l
		updated++
	}
	e.logger.Info("catalog previews merged", zap.Int("fetched", len(previews)), zap.Int("updated", updated))
	return nil
}
