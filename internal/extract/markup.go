package extract

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

func (e *Extractor) extractMarkup(path string) Result {
	content, err := os.ReadFile(path)
	if err != nil {
		e.warn("read markup failed", path, err)
		return unreadable()
	}
	return e.markupResult(path, content)
}

// markupResult walks the element tree in document order. XML is parsed
// strictly first; HTML, and XML the strict parser rejects, go through the
// lenient HTML parser.
func (e *Extractor) markupResult(path string, content []byte) Result {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".html" && ext != ".htm" {
		text, err := xmlText(content)
		if err == nil {
			return Result{Status: StatusText, Text: strings.ToLower(text)}
		}
		e.logger.Info("strict xml parse failed, retrying leniently", zap.String("file", path), zap.Error(err))
	}

	text, err := htmlText(content)
	if err != nil {
		e.warn("markup unreadable", path, err)
		return unreadable()
	}
	return Result{Status: StatusText, Text: strings.ToLower(text)}
}

func xmlText(content []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.CharsetReader = charset.NewReaderLabel

	parts := []string{}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if s := strings.TrimSpace(string(cd)); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " "), nil
}

func htmlText(content []byte) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(content), "")
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}

	parts := []string{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return strings.Join(parts, " "), nil
}
