package extract

import (
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/config"
	"layoutid/internal/logger"
)

type Status string

const (
	StatusText              Status = "text"
	StatusPasswordRequired  Status = "password_required"
	StatusPasswordIncorrect Status = "password_incorrect"
	StatusUnreadable        Status = "unreadable"
)

// Result is the outcome of one extraction. Text is lowercased and only set
// when Status is StatusText. Format is the normalized format of the document
// that was actually read, which for an e-mail is its attachment.
type Result struct {
	Status Status
	Text   string
	WasOCR bool
	Format internal.Format
	Source string
}

func unreadable() Result {
	return Result{Status: StatusUnreadable}
}

type Options struct {
	MaxPages           int
	MinTextLength      int
	DefaultPasswords   []string
	RasterScale        float64
	HeaderBandFraction float64
	OCRTimeout         time.Duration
	ToolTimeout        time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxPages:           cfg.PDFMaxPages,
		MinTextLength:      cfg.PDFMinTextLength,
		DefaultPasswords:   cfg.PDFDefaultPasswords,
		RasterScale:        cfg.RasterScale,
		HeaderBandFraction: cfg.HeaderBandFraction,
		OCRTimeout:         cfg.OCRTimeout(),
		ToolTimeout:        cfg.ToolTimeout(),
	}
}

type Extractor struct {
	opts   Options
	ocr    Recognizer
	raster Rasterizer
	images ImageSource
	text   TextSource
	logger *zap.Logger
}

// New builds an extractor. Any of the OCR tools may be nil, in which case
// the corresponding step is skipped.
func New(opts Options, ocr Recognizer, raster Rasterizer, images ImageSource, log *zap.Logger) *Extractor {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.RasterScale <= 0 {
		opts.RasterScale = 2
	}
	if opts.OCRTimeout <= 0 {
		opts.OCRTimeout = 15 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = time.Minute
	}
	if opts.HeaderBandFraction <= 0 || opts.HeaderBandFraction > 1 {
		opts.HeaderBandFraction = 0.15
	}
	return &Extractor{opts: opts, ocr: ocr, raster: raster, images: images, logger: logger.OrNop(log)}
}

// WithTextSource sets the tool used for PDFs the in-process parser cannot
// open. Without one those files are unreadable.
func (e *Extractor) WithTextSource(ts TextSource) *Extractor {
	e.text = ts
	return e
}

// NewFromConfig wires the external tesseract and poppler tools.
func NewFromConfig(cfg config.Config, log *zap.Logger) *Extractor {
	poppler := Poppler{
		PdftoppmBin:  cfg.PdftoppmBin,
		PdfimagesBin: cfg.PdfimagesBin,
		PdfinfoBin:   cfg.PdfinfoBin,
		PdftotextBin: cfg.PdftotextBin,
	}
	ocr := Tesseract{Bin: cfg.TesseractBin, Language: cfg.OCRLanguage}
	return New(OptionsFromConfig(cfg), ocr, poppler, poppler, log).WithTextSource(poppler)
}

// Extract converts one file into lowercased text. It never panics; every
// failure surfaces as one of the sentinel statuses.
func (e *Extractor) Extract(path, password string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("extraction panicked", zap.String("file", path), zap.Any("panic", r))
			res = unreadable()
		}
	}()
	return e.extract(path, password, 0)
}

func (e *Extractor) extract(path, password string, depth int) Result {
	ext := strings.ToLower(filepath.Ext(path))
	format := internal.NormalizeFormat(ext)

	var res Result
	switch ext {
	case ".pdf":
		res = e.extractPDF(path, password)
	case ".xlsx", ".xlsm", ".xls":
		res = e.extractSpreadsheet(path)
	case ".txt", ".csv", ".ofx":
		res = e.extractPlain(path)
	case ".xml", ".html", ".htm":
		res = e.extractMarkup(path)
	case ".eml":
		if depth > 0 {
			return unreadable()
		}
		return e.extractEmail(path, password, depth)
	default:
		e.logger.Debug("unsupported extension", zap.String("file", path), zap.String("ext", ext))
		return unreadable()
	}

	if res.Status == StatusText {
		res.Format = format
		res.Source = filepath.Base(path)
	}
	return res
}

func (e *Extractor) warn(msg, path string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("file", path), zap.Error(err))
	e.logger.Warn(msg, fields...)
}
