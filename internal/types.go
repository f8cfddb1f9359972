package internal

import "strings"

type Format string

const (
	FormatPDF   Format = "pdf"
	FormatExcel Format = "excel"
	FormatText  Format = "text"
	FormatXML   Format = "xml"
	FormatOFX   Format = "ofx"
)

// NormalizeFormat maps a file extension or a catalog format value onto the
// key used for filtering. Spreadsheet and delimited-text variants collapse to
// one key each; anything else maps to itself.
func NormalizeFormat(value string) Format {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.TrimPrefix(v, ".")
	switch v {
	case "xls", "xlsx", "xlsm", "excel":
		return FormatExcel
	case "txt", "csv", "text":
		return FormatText
	default:
		return Format(v)
	}
}

type Compatibility string

const (
	CompatibilityHigh   Compatibility = "High"
	CompatibilityMedium Compatibility = "Medium"
	CompatibilityLow    Compatibility = "Low"
)

type Layout struct {
	Code         string `json:"code"`
	Description  string `json:"description"`
	OriginSystem string `json:"originSystem"`
	HeaderSample string `json:"headerSample"`
	Format       Format `json:"format"`
	ReportType   string `json:"reportType"`
	PreviewURL   string `json:"previewUrl,omitempty"`
}

type Candidate struct {
	LayoutCode    string        `json:"layoutCode"`
	RawScore      float64       `json:"rawScore"`
	Score         float64       `json:"score"`
	Compatibility Compatibility `json:"compatibility"`
	Banco         string        `json:"banco"`
	PreviewURL    string        `json:"previewUrl,omitempty"`
	WasOCR        bool          `json:"wasOcr"`
}

type OutcomeStatus string

const (
	OutcomeOK                OutcomeStatus = "ok"
	OutcomePasswordRequired  OutcomeStatus = "password_required"
	OutcomePasswordIncorrect OutcomeStatus = "password_incorrect"
	OutcomeError             OutcomeStatus = "error"
)

type ErrorKind string

const (
	ErrorIndexUnavailable ErrorKind = "index_unavailable"
	ErrorUnreadable       ErrorKind = "unreadable"
	ErrorEncodingFailed   ErrorKind = "encoding_failed"
)

// Outcome is the result of one identification. Candidates is only set when
// Status is OutcomeOK and ErrorKind only when Status is OutcomeError. An OK
// outcome with no candidates is a valid empty result.
type Outcome struct {
	Status     OutcomeStatus `json:"status"`
	Candidates []Candidate   `json:"candidates,omitempty"`
	ErrorKind  ErrorKind     `json:"errorKind,omitempty"`
	Message    string        `json:"message,omitempty"`
}

func OK(candidates []Candidate) Outcome {
	if candidates == nil {
		candidates = []Candidate{}
	}
	return Outcome{Status: OutcomeOK, Candidates: candidates}
}

func PasswordRequired() Outcome {
	return Outcome{Status: OutcomePasswordRequired}
}

func PasswordIncorrect() Outcome {
	return Outcome{Status: OutcomePasswordIncorrect}
}

func Failure(kind ErrorKind, message string) Outcome {
	return Outcome{Status: OutcomeError, ErrorKind: kind, Message: message}
}

type Hints struct {
	Origin      string `json:"origin,omitempty"`
	Description string `json:"description,omitempty"`
	ReportType  string `json:"reportType,omitempty"`
}

type CandidateExportRow struct {
	File          string
	Status        string
	Rank          int
	LayoutCode    string
	Banco         string
	Score         float64
	Compatibility string
	WasOCR        bool
	PreviewURL    string
}
