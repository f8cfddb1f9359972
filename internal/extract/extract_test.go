package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pdf "github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"layoutid/internal"
)

const digitalLine = "EXTRATO DE CONTA CORRENTE BANCO EXEMPLO AGENCIA 0001 CONTA 12345"

func TestExtractDigitalPDF(t *testing.T) {
	ocr := &fakeOCR{texts: map[string]string{"logo": "Banco Exemplo"}}
	images := &fakeImages{byPage: map[int][][]byte{1: {[]byte("logo")}}}
	raster := &fakeRaster{}
	ex := New(testOptions(), ocr, raster, images, nil)

	path := writeFile(t, "extrato.pdf", buildPDF([]pdfText{{x: 50, y: 740, s: digitalLine}}))
	res := ex.Extract(path, "")

	require.Equal(t, StatusText, res.Status)
	assert.False(t, res.WasOCR)
	assert.Contains(t, res.Text, "extrato de conta corrente")
	assert.Contains(t, res.Text, "banco exemplo")
	assert.Equal(t, strings.ToLower(res.Text), res.Text)
	assert.Equal(t, internal.FormatPDF, res.Format)
	assert.Equal(t, "extrato.pdf", res.Source)
	assert.Empty(t, raster.rendered, "pages with a text layer are not rasterized")
}

func TestExtractThinPDFFallsBackToPageOCR(t *testing.T) {
	ocr := &fakeOCR{texts: map[string]string{"page-1": "RELATORIO ESCANEADO PAGINA UM", "page-2": "PAGINA DOIS"}}
	raster := &fakeRaster{}
	ex := New(testOptions(), ocr, raster, &fakeImages{}, nil)

	path := writeFile(t, "scan.pdf", buildPDF(
		[]pdfText{{x: 50, y: 700, s: "x"}},
		[]pdfText{{x: 50, y: 700, s: "y"}},
	))
	res := ex.Extract(path, "")

	require.Equal(t, StatusText, res.Status)
	assert.True(t, res.WasOCR)
	assert.Contains(t, res.Text, "relatorio escaneado pagina um")
	assert.Contains(t, res.Text, "pagina dois")
	assert.Equal(t, []int{1, 2}, raster.rendered)
}

func TestExtractPDFHonoursMaxPages(t *testing.T) {
	opts := testOptions()
	opts.MaxPages = 1
	raster := &fakeRaster{}
	ex := New(opts, &fakeOCR{texts: map[string]string{}}, raster, nil, nil)

	path := writeFile(t, "long.pdf", buildPDF(
		[]pdfText{{x: 50, y: 700, s: "a"}},
		[]pdfText{{x: 50, y: 700, s: "b"}},
		[]pdfText{{x: 50, y: 700, s: "c"}},
	))
	res := ex.Extract(path, "")

	require.Equal(t, StatusText, res.Status)
	assert.True(t, res.WasOCR)
	assert.Equal(t, []int{1}, raster.rendered)
}

func TestExtractImageOCRFailureIsSkipped(t *testing.T) {
	ex := New(testOptions(), slowOCR{}, &fakeRaster{}, &fakeImages{byPage: map[int][][]byte{1: {[]byte("stuck")}}}, nil)

	path := writeFile(t, "extrato.pdf", buildPDF([]pdfText{{x: 50, y: 740, s: digitalLine}}))
	res := ex.Extract(path, "")

	require.Equal(t, StatusText, res.Status)
	assert.False(t, res.WasOCR)
	assert.Contains(t, res.Text, "extrato de conta corrente")
}

func TestExtractThinPDFWithFailingOCRStillReturnsText(t *testing.T) {
	ex := New(testOptions(), slowOCR{}, &fakeRaster{}, nil, nil)

	path := writeFile(t, "scan.pdf", buildPDF([]pdfText{{x: 50, y: 700, s: "x"}}))
	res := ex.Extract(path, "")

	assert.Equal(t, StatusText, res.Status)
	assert.True(t, res.WasOCR)
	assert.Empty(t, strings.TrimSpace(res.Text))
}

func TestResolvePassword(t *testing.T) {
	// locked opens only when the callback yields the given password.
	locked := func(secret string) pdfOpener {
		return func(pw func() string) (*pdf.Reader, error) {
			for {
				got := pw()
				if got == "" {
					return nil, pdf.ErrInvalidPassword
				}
				if got == secret {
					return &pdf.Reader{}, nil
				}
			}
		}
	}
	open := func(pw func() string) (*pdf.Reader, error) { return &pdf.Reader{}, nil }
	broken := func(pw func() string) (*pdf.Reader, error) { return nil, errors.New("malformed xref") }

	defaults := []string{"123456", "0000"}

	tests := []struct {
		name     string
		opener   pdfOpener
		explicit string
		status   Status
		used     string
	}{
		{name: "unencrypted", opener: open, status: StatusText},
		{name: "default password unlocks", opener: locked("0000"), status: StatusText, used: "0000"},
		{name: "no password and defaults fail", opener: locked("segredo"), status: StatusPasswordRequired},
		{name: "explicit password unlocks", opener: locked("segredo"), explicit: "segredo", status: StatusText, used: "segredo"},
		{name: "explicit password wrong", opener: locked("segredo"), explicit: "errada", status: StatusPasswordIncorrect},
		{name: "explicit skips defaults", opener: locked("123456"), explicit: "errada", status: StatusPasswordIncorrect},
		{name: "corrupt file", opener: broken, status: StatusUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, used, status, err := resolvePassword(tt.opener, tt.explicit, defaults)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.used, used)
			if tt.status == StatusText {
				require.NoError(t, err)
				assert.NotNil(t, r)
			} else {
				assert.Error(t, err)
				assert.Nil(t, r)
			}
		})
	}
}

func TestExtractHeaderKeepsTopBand(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)

	path := writeFile(t, "extrato.pdf", buildPDF([]pdfText{
		{x: 50, y: 770, s: "BANCO EXEMPLO S.A."},
		{x: 50, y: 700, s: "Extrato 2024"},
		{x: 50, y: 100, s: "Rodape confidencial"},
	}))
	header := ex.ExtractHeader(path, "")

	assert.Contains(t, header, "banco exemplo")
	assert.Contains(t, header, "extrato")
	assert.NotContains(t, header, "rodape")
	assert.NotContains(t, header, "2024")
	assert.NotContains(t, header, ".")
}

func TestExtractHeaderNonPDF(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)
	path := writeFile(t, "dados.csv", []byte("a;b\n"))
	assert.Equal(t, "", ex.ExtractHeader(path, ""))
	assert.Equal(t, "", ex.ExtractHeader(writeFile(t, "quebrado.pdf", []byte("not a pdf")), ""))
}

func TestExtractHeaderSeparatesPositionedWords(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)

	path := writeFile(t, "extrato.pdf", buildPDF([]pdfText{
		{x: 200, y: 770, s: "BRASIL"},
		{x: 50, y: 770, s: "BANCO"},
		{x: 120, y: 770, s: "DO"},
	}))

	assert.Equal(t, "banco do brasil", ex.ExtractHeader(path, ""))
}

func TestJoinGlyphs(t *testing.T) {
	glyph := func(x, w float64, s string) pdf.Text {
		return pdf.Text{X: x, W: w, S: s, FontSize: 12}
	}

	tests := []struct {
		name   string
		glyphs []pdf.Text
		want   string
	}{
		{name: "adjacent glyphs", glyphs: []pdf.Text{glyph(10, 8, "B"), glyph(18, 8, "B")}, want: "BB"},
		{name: "gap opens a word", glyphs: []pdf.Text{glyph(10, 8, "A"), glyph(30, 8, "B")}, want: "A B"},
		{name: "small kerning stays", glyphs: []pdf.Text{glyph(10, 8, "A"), glyph(20, 8, "V")}, want: "AV"},
		{name: "sorted by position", glyphs: []pdf.Text{glyph(30, 8, "B"), glyph(10, 8, "A")}, want: "A B"},
		{name: "space glyph not doubled", glyphs: []pdf.Text{glyph(10, 8, "A"), glyph(40, 3, " "), glyph(60, 8, "B")}, want: "A B"},
		{name: "unknown widths", glyphs: []pdf.Text{glyph(10, 0, "A"), glyph(30, 0, "B")}, want: "AB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, joinGlyphs(tt.glyphs))
		})
	}
}

func TestExtractLegacyXLS(t *testing.T) {
	content, err := os.ReadFile(filepath.Join("testdata", "table.xls"))
	require.NoError(t, err)

	ex := New(testOptions(), nil, nil, nil, nil)
	res := ex.Extract(writeFile(t, "movimento.xls", content), "")

	require.Equal(t, StatusText, res.Status)
	assert.Contains(t, res.Text, "table\n")
	assert.Contains(t, res.Text, "code name description\n")
	assert.Contains(t, res.Text, "code1 name1 description1\n")
	assert.Contains(t, res.Text, "code10 name10 description10\n")
	assert.Equal(t, internal.FormatExcel, res.Format)
}

func TestExtractCorruptLegacyXLS(t *testing.T) {
	content := append(append([]byte{}, cfbSignature...), make([]byte, 600)...)
	ex := New(testOptions(), nil, nil, nil, nil)
	assert.Equal(t, StatusUnreadable, ex.Extract(writeFile(t, "quebrado.xls", content), "").Status)
}

func TestExtractSpreadsheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "Lancamentos"))
	require.NoError(t, f.SetCellValue("Lancamentos", "A1", "Data"))
	require.NoError(t, f.SetCellValue("Lancamentos", "B1", "Historico"))
	require.NoError(t, f.SetCellValue("Lancamentos", "A2", "01/02/2024"))
	require.NoError(t, f.SetCellValue("Lancamentos", "B2", "PIX RECEBIDO"))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ex := New(testOptions(), nil, nil, nil, nil)
	res := ex.Extract(writeFile(t, "movimento.xlsx", buf.Bytes()), "")

	require.Equal(t, StatusText, res.Status)
	assert.Contains(t, res.Text, "lancamentos")
	assert.Contains(t, res.Text, "data historico")
	assert.Contains(t, res.Text, "01/02/2024 pix recebido")
	assert.Equal(t, internal.FormatExcel, res.Format)
}

func TestExtractSpreadsheetThatIsHTML(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)
	content := []byte("<html><body><table><tr><td>Saldo</td><td>1.000,00</td></tr></table></body></html>")
	res := ex.Extract(writeFile(t, "export.xls", content), "")

	require.Equal(t, StatusText, res.Status)
	assert.Equal(t, "saldo 1.000,00", res.Text)
	assert.Equal(t, internal.FormatExcel, res.Format)
}

func TestExtractGarbageIsUnreadable(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)

	assert.Equal(t, StatusUnreadable, ex.Extract(writeFile(t, "lixo.xlsx", []byte("PK not really")), "").Status)
	assert.Equal(t, StatusUnreadable, ex.Extract(writeFile(t, "lixo.pdf", []byte("%PDF-1.4 garbage")), "").Status)
	assert.Equal(t, StatusUnreadable, ex.Extract(writeFile(t, "foto.png", []byte{0x89, 'P', 'N', 'G'}), "").Status)
	assert.Equal(t, StatusUnreadable, ex.Extract("/nonexistent/extrato.pdf", "").Status)
}

func TestExtractXML(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)
	content := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<extrato><banco>Banco Exemplo</banco><lancamento valor="10">Tarifa</lancamento><![CDATA[Nota Interna]]></extrato>`)
	res := ex.Extract(writeFile(t, "extrato.xml", content), "")

	require.Equal(t, StatusText, res.Status)
	assert.Equal(t, "banco exemplo tarifa nota interna", res.Text)
	assert.Equal(t, internal.FormatXML, res.Format)
}

func TestExtractXMLLatin1(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)
	content := append([]byte(`<?xml version="1.0" encoding="ISO-8859-1"?><r>Cr`), 0xE9, 'd', 'i', 't', 'o')
	content = append(content, []byte("</r>")...)
	res := ex.Extract(writeFile(t, "extrato.xml", content), "")

	require.Equal(t, StatusText, res.Status)
	assert.Equal(t, "crédito", res.Text)
}

func TestExtractMalformedXMLFallsBack(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)
	res := ex.Extract(writeFile(t, "quebrado.xml", []byte("<extrato><banco>Banco Exemplo</extrato>")), "")

	require.Equal(t, StatusText, res.Status)
	assert.Equal(t, "banco exemplo", res.Text)
}

func TestExtractHTMLSkipsScripts(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)
	content := []byte(`<html><head><style>td{color:red}</style><script>var x = 1;</script></head>
<body><h1>Extrato</h1><p>Conta Corrente</p></body></html>`)
	res := ex.Extract(writeFile(t, "extrato.html", content), "")

	require.Equal(t, StatusText, res.Status)
	assert.Equal(t, "extrato conta corrente", res.Text)
}

func TestExtractPlainText(t *testing.T) {
	ex := New(testOptions(), nil, nil, nil, nil)

	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("DATA;HISTORICO\n01/02;TARIFA ")...)
	content = append(content, 0xFF, 0xFE)
	content = append(content, []byte("OK")...)
	res := ex.Extract(writeFile(t, "movimento.csv", content), "")
	require.Equal(t, StatusText, res.Status)
	assert.Equal(t, "data;historico\n01/02;tarifa ok", res.Text)
	assert.Equal(t, internal.FormatText, res.Format)

	ofx := ex.Extract(writeFile(t, "extrato.ofx", []byte("<OFX><BANKID>0001</BANKID></OFX>")), "")
	require.Equal(t, StatusText, ofx.Status)
	assert.Equal(t, "<ofx><bankid>0001</bankid></ofx>", ofx.Text)
	assert.Equal(t, internal.FormatOFX, ofx.Format)
}

func TestExtractEmailAttachment(t *testing.T) {
	msg := strings.Join([]string{
		"From: banco@example.com",
		"To: contabilidade@example.com",
		"Subject: Extrato mensal",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Segue o extrato em anexo.",
		"--XYZ",
		`Content-Type: application/octet-stream; name="foto.png"`,
		`Content-Disposition: attachment; filename="foto.png"`,
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--XYZ",
		`Content-Type: text/csv; name="movimento.csv"`,
		`Content-Disposition: attachment; filename="movimento.csv"`,
		"",
		"DATA;HISTORICO;VALOR",
		"--XYZ--",
		"",
	}, "\r\n")

	ex := New(testOptions(), nil, nil, nil, nil)
	res := ex.Extract(writeFile(t, "extrato.eml", []byte(msg)), "")

	require.Equal(t, StatusText, res.Status)
	assert.Contains(t, res.Text, "data;historico;valor")
	assert.NotContains(t, res.Text, "segue o extrato")
	assert.Equal(t, internal.FormatText, res.Format)
	assert.Equal(t, "movimento.csv", res.Source)
}

func TestExtractEmailWithoutAttachment(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: oi\r\nContent-Type: text/plain\r\n\r\nsem anexo\r\n"
	ex := New(testOptions(), nil, nil, nil, nil)
	assert.Equal(t, StatusUnreadable, ex.Extract(writeFile(t, "vazio.eml", []byte(msg)), "").Status)
}

func TestIsSupported(t *testing.T) {
	for _, name := range []string{"a.pdf", "B.XLSX", "c.xls", "d.csv", "e.ofx", "f.xml", "g.eml", "h.htm"} {
		assert.True(t, IsSupported(name), name)
	}
	for _, name := range []string{"a.png", "b.docx", "noext"} {
		assert.False(t, IsSupported(name), name)
	}
}
