package match

import (
	"context"
	"sort"
	"strings"

	"layoutid/internal"
)

type LayoutFilter struct {
	Origin      string
	Description string
	ReportType  string
}

type LayoutPage struct {
	Items      []internal.Layout `json:"items"`
	Page       int               `json:"page"`
	TotalPages int               `json:"totalPages"`
	Total      int               `json:"total"`
}

// ListAllLayouts returns every catalog entry ordered by code. It reports
// false when no index can be loaded.
func (e *Engine) ListAllLayouts(ctx context.Context) ([]internal.Layout, bool) {
	snap, ok := e.index.Load(ctx)
	if !ok || snap == nil {
		return nil, false
	}
	out := make([]internal.Layout, 0, len(snap.Layouts))
	for _, l := range snap.Layouts {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return lessCode(out[i].Code, out[j].Code) })
	return out, true
}

// ListLayouts browses the catalog. Origin and description match as
// case-insensitive substrings; page is 1-based and clamped to the valid range.
func (e *Engine) ListLayouts(ctx context.Context, f LayoutFilter, page int) (LayoutPage, bool) {
	all, ok := e.ListAllLayouts(ctx)
	if !ok {
		return LayoutPage{}, false
	}

	origin := strings.ToLower(strings.TrimSpace(f.Origin))
	desc := strings.ToLower(strings.TrimSpace(f.Description))
	filtered := make([]internal.Layout, 0, len(all))
	for _, l := range all {
		if origin != "" && !strings.Contains(strings.ToLower(l.OriginSystem), origin) {
			continue
		}
		if desc != "" && !strings.Contains(strings.ToLower(l.Description), desc) {
			continue
		}
		if !reportTypeMatches(f.ReportType, l) {
			continue
		}
		filtered = append(filtered, l)
	}

	totalPages := 1
	if len(filtered) > 0 {
		totalPages = (len(filtered)-1)/e.pageSize + 1
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	from := (page - 1) * e.pageSize
	to := from + e.pageSize
	if to > len(filtered) {
		to = len(filtered)
	}
	return LayoutPage{Items: filtered[from:to], Page: page, TotalPages: totalPages, Total: len(filtered)}, true
}
