package extract

import (
	"bytes"
	"os"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractPlain reads delimited or plain text. Invalid UTF-8 sequences are dropped.
func (e *Extractor) extractPlain(path string) Result {
	content, err := os.ReadFile(path)
	if err != nil {
		e.warn("read text failed", path, err)
		return unreadable()
	}
	return Result{Status: StatusText, Text: decodeLenient(content)}
}

func decodeLenient(content []byte) string {
	content = bytes.TrimPrefix(content, utf8BOM)
	return strings.ToLower(strings.ToValidUTF8(string(content), ""))
}
