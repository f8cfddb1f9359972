package extract

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rc4"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pdfText struct {
	x, y float64
	s    string
}

// helveticaWidths covers WinAnsi codes 32..126.
var helveticaWidths = []int{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278,
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278, 584, 584, 584, 556,
	1015, 667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, 722, 778,
	667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, 278, 278, 278, 469, 556,
	333, 556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, 556, 556,
	556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584,
}

// pdfSecurity encrypts content streams with the standard security handler
// (RC4, revision 3) and adds the matching trailer entries.
type pdfSecurity struct {
	key     []byte
	trailer string
}

// buildPDF assembles an uncompressed PDF with one Helvetica text run per item.
// The media box lives on the page tree root so pages inherit it.
func buildPDF(pages ...[]pdfText) []byte {
	return assemblePDF(nil, "", pages...)
}

// buildEncryptedPDF locks the document with an RC4 128-bit user password.
func buildEncryptedPDF(password string, pages ...[]pdfText) []byte {
	return assemblePDF(rc4Security(password), "", pages...)
}

// buildAES256PDF declares AES-256 encryption, which the in-process parser
// rejects before looking at any password.
func buildAES256PDF(pages ...[]pdfText) []byte {
	zeros := strings.Repeat("00", 48)
	extra := fmt.Sprintf("/Encrypt << /Filter /Standard /V 5 /R 6 /Length 256 /O <%s> /U <%s> /P -4 >> /ID [<%s> <%s>]",
		zeros, zeros, pdfFileID, pdfFileID)
	return assemblePDF(nil, extra, pages...)
}

const pdfFileID = "6c61796f75746964746573746669786e"

var pdfPasswordPad = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80, 0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func rc4Security(password string) *pdfSecurity {
	id, _ := hex.DecodeString(pdfFileID)
	owner := bytes.Repeat([]byte{0x5A}, 32)
	perms := uint32(0xFFFFFFFC)

	padded := append([]byte(password), pdfPasswordPad...)[:32]
	h := md5.New()
	h.Write(padded)
	h.Write(owner)
	h.Write([]byte{byte(perms), byte(perms >> 8), byte(perms >> 16), byte(perms >> 24)})
	h.Write(id)
	key := h.Sum(nil)
	for i := 0; i < 50; i++ {
		sum := md5.Sum(key[:16])
		key = sum[:]
	}
	key = key[:16]

	h.Reset()
	h.Write(pdfPasswordPad)
	h.Write(id)
	user := h.Sum(nil)
	for i := 0; i <= 19; i++ {
		k := make([]byte, len(key))
		for j := range key {
			k[j] = key[j] ^ byte(i)
		}
		c, _ := rc4.NewCipher(k)
		c.XORKeyStream(user, user)
	}
	user = append(user, make([]byte, 16)...)

	return &pdfSecurity{
		key: key,
		trailer: fmt.Sprintf("/Encrypt << /Filter /Standard /V 2 /R 3 /Length 128 /O <%x> /U <%x> /P -4 >> /ID [<%s> <%s>]",
			owner, user, pdfFileID, pdfFileID),
	}
}

func (s *pdfSecurity) encrypt(obj int, data []byte) []byte {
	h := md5.New()
	h.Write(s.key)
	h.Write([]byte{byte(obj), byte(obj >> 8), byte(obj >> 16), 0, 0})
	c, _ := rc4.NewCipher(h.Sum(nil))
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

func assemblePDF(sec *pdfSecurity, trailerExtra string, pages ...[]pdfText) []byte {
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	widths := make([]string, len(helveticaWidths))
	for i, w := range helveticaWidths {
		widths[i] = fmt.Sprint(w)
	}

	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", strings.Join(kids, " "), len(pages)),
		fmt.Sprintf("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 126 /Widths [%s] >>",
			strings.Join(widths, " ")),
	}
	for i, texts := range pages {
		var content strings.Builder
		for _, t := range texts {
			fmt.Fprintf(&content, "BT /F1 12 Tf %.0f %.0f Td (%s) Tj ET\n", t.x, t.y, t.s)
		}
		stream := []byte(content.String())
		if sec != nil {
			stream = sec.encrypt(5+2*i, stream)
		}
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(stream), stream),
		)
	}

	if sec != nil {
		trailerExtra = sec.trailer
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, body := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R %s >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, trailerExtra, xref)
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// fakeOCR maps image bytes to text; images it does not know fail.
type fakeOCR struct {
	texts map[string]string
	calls int
}

func (f *fakeOCR) Recognize(ctx context.Context, image []byte) (string, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("no deadline")
	}
	text, ok := f.texts[string(image)]
	if !ok {
		return "", errors.New("unrecognized image")
	}
	return text, nil
}

// slowOCR blocks until its deadline passes.
type slowOCR struct{}

func (slowOCR) Recognize(ctx context.Context, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeRaster struct {
	rendered  []int
	passwords []string
}

func (f *fakeRaster) RenderPage(_ context.Context, _ string, page int, scale float64, password string) ([]byte, error) {
	if scale != 2 {
		return nil, fmt.Errorf("unexpected scale %v", scale)
	}
	f.rendered = append(f.rendered, page)
	f.passwords = append(f.passwords, password)
	return []byte(fmt.Sprintf("page-%d", page)), nil
}

type fakeImages struct {
	byPage map[int][][]byte
}

func (f *fakeImages) PageImages(_ context.Context, _ string, page int, _ string) ([][]byte, error) {
	return f.byPage[page], nil
}

func testOptions() Options {
	return Options{
		MaxPages:           3,
		MinTextLength:      50,
		DefaultPasswords:   []string{"123456", "0000"},
		RasterScale:        2,
		HeaderBandFraction: 0.15,
		OCRTimeout:         200 * time.Millisecond,
		ToolTimeout:        time.Second,
	}
}

// fakeTextSource stands in for pdfinfo/pdftotext on files that only open
// with secret.
type fakeTextSource struct {
	secret string
	pages  int
	text   string
	err    error
	tried  []string
	read   []int
}

func (f *fakeTextSource) PageCount(ctx context.Context, _ string, password string) (int, error) {
	f.tried = append(f.tried, password)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("no deadline")
	}
	if f.err != nil {
		return 0, f.err
	}
	if password != f.secret {
		return 0, fmt.Errorf("%w: pdfinfo: exit status 1", ErrIncorrectPassword)
	}
	return f.pages, nil
}

func (f *fakeTextSource) PageText(_ context.Context, _ string, page int, password string) (string, error) {
	if password != f.secret {
		return "", ErrIncorrectPassword
	}
	f.read = append(f.read, page)
	return f.text, nil
}
