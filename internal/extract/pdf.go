package extract

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"unicode/utf8"

	pdf "github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"layoutid/internal/metrics"
)

// pdfOpener opens a document, calling pw for each password to try after
// the empty one. pw returning "" means there is nothing left to try.
type pdfOpener func(pw func() string) (*pdf.Reader, error)

func openerFor(content []byte) pdfOpener {
	return func(pw func() string) (*pdf.Reader, error) {
		return pdf.NewReaderEncrypted(bytes.NewReader(content), int64(len(content)), pw)
	}
}

// passwordCandidates lists the passwords to try after the empty one: the
// explicit password alone, or the non-empty defaults.
func passwordCandidates(explicit string, defaults []string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	out := []string{}
	for _, pw := range defaults {
		if pw != "" {
			out = append(out, pw)
		}
	}
	return out
}

// resolvePassword opens the document with the explicit password, or with
// the defaults when none was given. It returns the password that unlocked
// the file ("" when none was needed) or a password status.
func resolvePassword(open pdfOpener, explicit string, defaults []string) (*pdf.Reader, string, Status, error) {
	candidates := passwordCandidates(explicit, defaults)

	next, used := 0, ""
	r, err := open(func() string {
		if next >= len(candidates) {
			return ""
		}
		used = candidates[next]
		next++
		return used
	})
	switch {
	case err == nil:
		return r, used, StatusText, nil
	case errors.Is(err, pdf.ErrInvalidPassword) && explicit != "":
		return nil, "", StatusPasswordIncorrect, err
	case errors.Is(err, pdf.ErrInvalidPassword):
		return nil, "", StatusPasswordRequired, err
	default:
		return nil, "", StatusUnreadable, err
	}
}

// pdfDoc is an opened PDF. pageText reports ok=false for pages that do not
// exist in the page tree.
type pdfDoc struct {
	pages    int
	unlock   string
	pageText func(page int) (text string, ok bool, err error)
}

// openPDF opens the document in process. Files the parser rejects for any
// reason other than a password, AES-256 encryption among them, are retried
// through the text source.
func (e *Extractor) openPDF(path string, content []byte, password string) (pdfDoc, Status, error) {
	r, unlock, status, err := resolvePassword(openerFor(content), password, e.opts.DefaultPasswords)
	if status == StatusText {
		return pdfDoc{
			pages:  r.NumPage(),
			unlock: unlock,
			pageText: func(i int) (string, bool, error) {
				p := r.Page(i)
				if p.V.IsNull() {
					return "", false, nil
				}
				text, err := p.GetPlainText(nil)
				return text, true, err
			},
		}, StatusText, nil
	}
	if status != StatusUnreadable || e.text == nil {
		return pdfDoc{}, status, err
	}
	e.logger.Info("pdf rejected by parser, reading with external tool", zap.String("file", path), zap.Error(err))
	return e.openWithTool(path, password)
}

func (e *Extractor) openWithTool(path, explicit string) (pdfDoc, Status, error) {
	tries := append([]string{""}, passwordCandidates(explicit, e.opts.DefaultPasswords)...)

	var err error
	for _, pw := range tries {
		var pages int
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ToolTimeout)
		pages, err = e.text.PageCount(ctx, path, pw)
		cancel()
		if err == nil {
			return pdfDoc{
				pages:  pages,
				unlock: pw,
				pageText: func(i int) (string, bool, error) {
					ctx, cancel := context.WithTimeout(context.Background(), e.opts.ToolTimeout)
					defer cancel()
					text, err := e.text.PageText(ctx, path, i, pw)
					return text, true, err
				},
			}, StatusText, nil
		}
		if !errors.Is(err, ErrIncorrectPassword) {
			return pdfDoc{}, StatusUnreadable, err
		}
	}
	if explicit != "" {
		return pdfDoc{}, StatusPasswordIncorrect, err
	}
	return pdfDoc{}, StatusPasswordRequired, err
}

func (e *Extractor) extractPDF(path, password string) Result {
	content, err := os.ReadFile(path)
	if err != nil {
		e.warn("read pdf failed", path, err)
		return unreadable()
	}

	doc, status, err := e.openPDF(path, content, password)
	if status != StatusText {
		e.logger.Info("pdf not opened", zap.String("file", path), zap.String("status", string(status)), zap.Error(err))
		return Result{Status: status}
	}

	pages := doc.pages
	if pages > e.opts.MaxPages {
		pages = e.opts.MaxPages
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		text, ok, err := doc.pageText(i)
		if !ok {
			continue
		}
		if err != nil {
			e.warn("pdf text layer failed", path, err, zap.Int("page", i))
		} else {
			b.WriteString(text)
		}
		for _, ocrText := range e.ocrPageImages(path, i, doc.unlock) {
			b.WriteString(" ")
			b.WriteString(ocrText)
		}
	}

	text := b.String()
	if utf8.RuneCountInString(strings.TrimSpace(text)) >= e.opts.MinTextLength {
		return Result{Status: StatusText, Text: strings.ToLower(text)}
	}

	metrics.OCRFallbackTotal.Inc()
	e.logger.Info("thin text layer, falling back to page ocr", zap.String("file", path), zap.Int("chars", utf8.RuneCountInString(strings.TrimSpace(text))))
	return Result{Status: StatusText, Text: strings.ToLower(e.ocrPages(path, pages, doc.unlock)), WasOCR: true}
}

// ocrPageImages recognizes the embedded images of one page. Every image has
// its own deadline; a failing image is skipped.
func (e *Extractor) ocrPageImages(path string, page int, password string) []string {
	if e.images == nil || e.ocr == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ToolTimeout)
	images, err := e.images.PageImages(ctx, path, page, password)
	cancel()
	if err != nil {
		metrics.OCRFailuresTotal.WithLabelValues("image").Inc()
		e.warn("listing page images failed", path, err, zap.Int("page", page))
		return nil
	}

	out := make([]string, 0, len(images))
	for n, img := range images {
		text, err := e.recognize(img)
		if err != nil {
			metrics.OCRFailuresTotal.WithLabelValues("image").Inc()
			e.warn("image ocr skipped", path, err, zap.Int("page", page), zap.Int("image", n))
			continue
		}
		out = append(out, text)
	}
	return out
}

func (e *Extractor) ocrPages(path string, pages int, password string) string {
	if e.raster == nil || e.ocr == nil {
		e.logger.Warn("page ocr unavailable", zap.String("file", path))
		return ""
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.ToolTimeout)
		img, err := e.raster.RenderPage(ctx, path, i, e.opts.RasterScale, password)
		cancel()
		if err != nil {
			metrics.OCRFailuresTotal.WithLabelValues("render").Inc()
			e.warn("page render failed", path, err, zap.Int("page", i))
			continue
		}
		text, err := e.recognize(img)
		if err != nil {
			metrics.OCRFailuresTotal.WithLabelValues("page").Inc()
			e.warn("page ocr failed", path, err, zap.Int("page", i))
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func (e *Extractor) recognize(img []byte) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.OCRTimeout)
	defer cancel()
	return e.ocr.Recognize(ctx, img)
}
