package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Recognizer turns an image into text. Implementations must honour ctx.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Rasterizer renders one PDF page (1-based) to a PNG.
type Rasterizer interface {
	RenderPage(ctx context.Context, pdfPath string, page int, scale float64, password string) ([]byte, error)
}

// ImageSource lists the raster images embedded in one PDF page (1-based).
type ImageSource interface {
	PageImages(ctx context.Context, pdfPath string, page int, password string) ([][]byte, error)
}

// TextSource reads the text layer of PDFs the in-process parser rejects,
// such as AES-256 encrypted files. A missing or wrong password surfaces as
// ErrIncorrectPassword.
type TextSource interface {
	PageCount(ctx context.Context, pdfPath, password string) (int, error)
	PageText(ctx context.Context, pdfPath string, page int, password string) (string, error)
}

var ErrIncorrectPassword = errors.New("incorrect pdf password")

// Tesseract runs the tesseract CLI, image on stdin and text on stdout.
type Tesseract struct {
	Bin      string
	Language string
}

func (t Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	args := []string{"stdin", "stdout"}
	if t.Language != "" {
		args = append(args, "-l", t.Language)
	}
	out, err := run(ctx, bytes.NewReader(image), t.Bin, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Poppler renders pages with pdftoppm, pulls embedded images with pdfimages
// and reads text with pdfinfo and pdftotext.
type Poppler struct {
	PdftoppmBin  string
	PdfimagesBin string
	PdfinfoBin   string
	PdftotextBin string
}

func (p Poppler) PageCount(ctx context.Context, pdfPath, password string) (int, error) {
	args := append(passwordArgs(password), pdfPath)
	out, err := run(ctx, nil, p.PdfinfoBin, args...)
	if err != nil {
		return 0, popplerError(err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "Pages:"); ok {
			return strconv.Atoi(strings.TrimSpace(rest))
		}
	}
	return 0, fmt.Errorf("%s: no page count in output", filepath.Base(p.PdfinfoBin))
}

func (p Poppler) PageText(ctx context.Context, pdfPath string, page int, password string) (string, error) {
	n := strconv.Itoa(page)
	args := []string{"-f", n, "-l", n, "-enc", "UTF-8"}
	args = append(args, passwordArgs(password)...)
	args = append(args, pdfPath, "-")
	out, err := run(ctx, nil, p.PdftotextBin, args...)
	if err != nil {
		return "", popplerError(err)
	}
	return string(out), nil
}

// popplerError maps poppler's password complaint, which it prints for both
// a missing and a wrong user password.
func popplerError(err error) error {
	if strings.Contains(err.Error(), "Incorrect password") {
		return fmt.Errorf("%w: %w", ErrIncorrectPassword, err)
	}
	return err
}

func (p Poppler) RenderPage(ctx context.Context, pdfPath string, page int, scale float64, password string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "layoutid-page-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	n := strconv.Itoa(page)
	dpi := strconv.Itoa(int(72 * scale))
	root := filepath.Join(dir, "page")
	args := []string{"-f", n, "-l", n, "-r", dpi, "-png", "-singlefile"}
	args = append(args, passwordArgs(password)...)
	args = append(args, pdfPath, root)
	if _, err := run(ctx, nil, p.PdftoppmBin, args...); err != nil {
		return nil, err
	}
	return os.ReadFile(root + ".png")
}

func (p Poppler) PageImages(ctx context.Context, pdfPath string, page int, password string) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "layoutid-img-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	n := strconv.Itoa(page)
	args := []string{"-f", n, "-l", n, "-png"}
	args = append(args, passwordArgs(password)...)
	args = append(args, pdfPath, filepath.Join(dir, "img"))
	if _, err := run(ctx, nil, p.PdfimagesBin, args...); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	out := make([][]byte, 0, len(names))
	for _, name := range names {
		blob, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
	return out, nil
}

func passwordArgs(password string) []string {
	if password == "" {
		return nil
	}
	return []string{"-upw", password}
}

func run(ctx context.Context, stdin *bytes.Reader, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(bin), ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
