package extract

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pdf "github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"layoutid/internal/util"
)

// ExtractHeader returns the letters found in the top band of the first pages
// of a PDF, lowercased with whitespace collapsed. Non-PDF files, locked files,
// and failures yield "".
func (e *Extractor) ExtractHeader(path, password string) (header string) {
	if strings.ToLower(filepath.Ext(path)) != ".pdf" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("header extraction panicked", zap.String("file", path), zap.Any("panic", r))
			header = ""
		}
	}()

	content, err := os.ReadFile(path)
	if err != nil {
		e.warn("read pdf failed", path, err)
		return ""
	}
	r, _, status, err := resolvePassword(openerFor(content), password, nil)
	if status != StatusText {
		e.logger.Info("pdf header not opened", zap.String("file", path), zap.String("status", string(status)), zap.Error(err))
		return ""
	}

	pages := r.NumPage()
	if pages > e.opts.MaxPages {
		pages = e.opts.MaxPages
	}

	parts := []string{}
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		parts = append(parts, headerBand(p, e.opts.HeaderBandFraction))
	}
	return strings.ToLower(util.LettersOnly(strings.Join(parts, " ")))
}

// headerBand joins the glyphs whose baseline lies in the top fraction of the
// page, one line per baseline from top to bottom.
func headerBand(p pdf.Page, fraction float64) string {
	_, y0, _, y1 := mediaBox(p.V)
	floor := y1 - (y1-y0)*fraction

	lines := map[float64][]pdf.Text{}
	for _, t := range p.Content().Text {
		if t.Y < floor {
			continue
		}
		key := math.Round(t.Y)
		lines[key] = append(lines[key], t)
	}

	keys := make([]float64, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(keys)))

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, joinGlyphs(lines[k]))
	}
	return strings.Join(out, "\n")
}

// wordGap is the horizontal gap, as a fraction of the font size, past which
// two glyphs on one line belong to different words.
const wordGap = 0.25

// joinGlyphs orders one line left to right and puts a space where a glyph
// starts well after the previous one ends. Glyphs without a known width
// never open a gap.
func joinGlyphs(glyphs []pdf.Text) string {
	sort.SliceStable(glyphs, func(i, j int) bool { return glyphs[i].X < glyphs[j].X })

	var b strings.Builder
	for i, g := range glyphs {
		if i > 0 {
			prev := glyphs[i-1]
			gap := g.X - (prev.X + prev.W)
			if prev.W > 0 && gap > wordGap*g.FontSize &&
				!strings.HasSuffix(prev.S, " ") && !strings.HasPrefix(g.S, " ") {
				b.WriteByte(' ')
			}
		}
		b.WriteString(g.S)
	}
	return b.String()
}

// mediaBox resolves the page box, following inherited values up the page
// tree. US Letter is assumed when no box is declared.
func mediaBox(v pdf.Value) (x0, y0, x1, y1 float64) {
	node := v
	for depth := 0; depth < 32 && !node.IsNull(); depth++ {
		box := node.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			x0, y0 = box.Index(0).Float64(), box.Index(1).Float64()
			x1, y1 = box.Index(2).Float64(), box.Index(3).Float64()
			if y1 < y0 {
				y0, y1 = y1, y0
			}
			return x0, y0, x1, y1
		}
		node = node.Key("Parent")
	}
	return 0, 0, 612, 792
}
