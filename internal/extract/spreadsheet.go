package extract

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// cfbSignature opens every OLE compound file, which is how legacy BIFF .xls
// workbooks are stored.
var cfbSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// extractSpreadsheet serializes every sheet's raw grid. Legacy BIFF workbooks
// go through the xls reader, OOXML ones through excelize. Workbooks both
// reject are retried as markup, since many bank portals export HTML or XML
// under an .xls name.
func (e *Extractor) extractSpreadsheet(path string) Result {
	content, err := os.ReadFile(path)
	if err != nil {
		e.warn("read spreadsheet failed", path, err)
		return unreadable()
	}

	var text string
	if bytes.HasPrefix(content, cfbSignature) {
		text, err = legacySheetsToText(content)
	} else {
		text, err = sheetsToText(content)
	}
	if err == nil {
		return Result{Status: StatusText, Text: strings.ToLower(text)}
	}
	if looksLikeMarkup(content) {
		e.logger.Info("spreadsheet is markup, reading as such", zap.String("file", path))
		return e.markupResult(path, content)
	}
	e.warn("spreadsheet unreadable", path, err)
	return unreadable()
}

func sheetsToText(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, " "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// legacySheetsToText reads a BIFF workbook. Rows are laid out from column A
// with trailing blanks dropped, matching what excelize returns for OOXML.
func legacySheetsToText(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse xls: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(content), "utf-8")
	if err != nil {
		return "", err
	}
	if wb == nil {
		return "", errors.New("parse xls: no workbook stream")
	}

	var b strings.Builder
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		b.WriteString(sheet.Name)
		b.WriteString("\n")
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				continue
			}
			cells := make([]string, 0, row.LastCol()+1)
			for c := 0; c <= row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			for len(cells) > 0 && cells[len(cells)-1] == "" {
				cells = cells[:len(cells)-1]
			}
			b.WriteString(strings.Join(cells, " "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func looksLikeMarkup(content []byte) bool {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(content, utf8BOM), " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '<'
}
