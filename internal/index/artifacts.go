package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"layoutid/internal"
)

const (
	EmbeddingsFile = "embeddings.bin"
	LabelsFile     = "labels.json"
	MetadataFile   = "layouts_meta.json"
)

var embeddingsMagic = [4]byte{'L', 'E', 'M', 'B'}

var ErrArtifactsMissing = errors.New("index artifacts missing")

// Artifacts is the on-disk form of the index: one embedding row per label,
// plus the layout catalog.
type Artifacts struct {
	Rows    [][]float32
	Labels  []string
	Layouts []internal.Layout
}

func ReadArtifacts(dir string) (Artifacts, error) {
	rows, err := readEmbeddings(filepath.Join(dir, EmbeddingsFile))
	if err != nil {
		return Artifacts{}, err
	}

	var labels []json.RawMessage
	if err := readJSON(filepath.Join(dir, LabelsFile), &labels); err != nil {
		return Artifacts{}, err
	}
	codes := make([]string, len(labels))
	for i, raw := range labels {
		code, err := codeString(raw)
		if err != nil {
			return Artifacts{}, fmt.Errorf("%s[%d]: %w", LabelsFile, i, err)
		}
		codes[i] = code
	}

	var records []metaRecord
	if err := readJSON(filepath.Join(dir, MetadataFile), &records); err != nil {
		return Artifacts{}, err
	}
	layouts := make([]internal.Layout, 0, len(records))
	for _, r := range records {
		if r.layout.Code == "" {
			continue
		}
		layouts = append(layouts, r.layout)
	}

	return Artifacts{Rows: rows, Labels: codes, Layouts: layouts}, nil
}

// WriteArtifacts writes the three files in the format ReadArtifacts expects.
func WriteArtifacts(dir string, a Artifacts) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeEmbeddings(filepath.Join(dir, EmbeddingsFile), a.Rows); err != nil {
		return err
	}
	labels := a.Labels
	if labels == nil {
		labels = []string{}
	}
	if err := writeJSON(filepath.Join(dir, LabelsFile), labels); err != nil {
		return err
	}
	layouts := a.Layouts
	if layouts == nil {
		layouts = []internal.Layout{}
	}
	return writeJSON(filepath.Join(dir, MetadataFile), layouts)
}

func readEmbeddings(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", EmbeddingsFile, ErrArtifactsMissing)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header struct {
		Magic [4]byte
		Rows  uint32
		Dims  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%s header: %w", EmbeddingsFile, err)
	}
	if header.Magic != embeddingsMagic {
		return nil, fmt.Errorf("%s: bad magic %q", EmbeddingsFile, header.Magic[:])
	}

	rows := make([][]float32, header.Rows)
	buf := make([]byte, 4*int(header.Dims))
	for i := range rows {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", EmbeddingsFile, i, err)
		}
		row := make([]float32, header.Dims)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		rows[i] = row
	}
	return rows, nil
}

func writeEmbeddings(path string, rows [][]float32) error {
	dims := 0
	if len(rows) > 0 {
		dims = len(rows[0])
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	header := []any{embeddingsMagic, uint32(len(rows)), uint32(dims)}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			_ = f.Close()
			return err
		}
	}
	for i, row := range rows {
		if len(row) != dims {
			_ = f.Close()
			return fmt.Errorf("row %d has %d dims, want %d", i, len(row), dims)
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", filepath.Base(path), ErrArtifactsMissing)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// codeString accepts a layout code written as a JSON string or number.
func codeString(raw json.RawMessage) (string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "", nil
	}
	if s[0] == '"' {
		var out string
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("layout code %s is neither string nor number", s)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// metaRecord reads a catalog record in either the current English keys or
// the legacy keys the training scripts still emit.
type metaRecord struct {
	layout internal.Layout
}

func (m *metaRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			raw, ok := fields[k]
			if !ok {
				continue
			}
			var s string
			if json.Unmarshal(raw, &s) == nil {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
		return ""
	}

	code := ""
	for _, k := range []string{"code", "codigo_layout", "codigo"} {
		if raw, ok := fields[k]; ok {
			c, err := codeString(raw)
			if err != nil {
				return err
			}
			if c != "" {
				code = c
				break
			}
		}
	}

	m.layout = internal.Layout{
		Code:         code,
		Description:  str("description", "descricao"),
		OriginSystem: str("originSystem", "sistema"),
		HeaderSample: str("headerSample", "cabecalho"),
		Format:       internal.NormalizeFormat(str("format", "formato")),
		ReportType:   str("reportType", "tipo_relatorio"),
		PreviewURL:   str("previewUrl", "url_previa"),
	}
	return nil
}
