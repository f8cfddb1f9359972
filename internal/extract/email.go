package extract

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"layoutid/internal/util"
)

var supportedExt = map[string]struct{}{
	".pdf": {}, ".xlsx": {}, ".xlsm": {}, ".xls": {}, ".txt": {}, ".csv": {},
	".ofx": {}, ".xml": {}, ".html": {}, ".htm": {},
}

// IsSupported reports whether files with this name can be extracted.
func IsSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".eml" {
		return true
	}
	_, ok := supportedExt[ext]
	return ok
}

// extractEmail extracts the first attachment with a supported extension.
// Reports are often forwarded as mail, so the message itself is only a wrapper.
func (e *Extractor) extractEmail(path, password string, depth int) Result {
	f, err := os.Open(path)
	if err != nil {
		e.warn("open email failed", path, err)
		return unreadable()
	}
	defer f.Close()

	env, err := enmime.ReadEnvelope(f)
	if err != nil {
		e.warn("parse email failed", path, err)
		return unreadable()
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, att := range parts {
		name := strings.TrimSpace(att.FileName)
		if _, ok := supportedExt[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}

		dir, err := os.MkdirTemp("", "layoutid-eml-*")
		if err != nil {
			e.warn("temp dir for attachment failed", path, err)
			return unreadable()
		}
		defer os.RemoveAll(dir)

		attPath := filepath.Join(dir, util.SafeFileName(name))
		if err := os.WriteFile(attPath, att.Content, 0o600); err != nil {
			e.warn("write attachment failed", path, err)
			return unreadable()
		}
		e.logger.Info("extracting email attachment", zap.String("file", path), zap.String("attachment", name))
		return e.extract(attPath, password, depth+1)
	}

	e.logger.Info("email has no supported attachment", zap.String("file", path), zap.Int("attachments", len(env.Attachments)))
	return unreadable()
}
