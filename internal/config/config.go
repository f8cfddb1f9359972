package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir      string `yaml:"dataDir"`
	ArtifactsDir string `yaml:"artifactsDir"`
	DBPath       string `yaml:"dbPath"`
	OutputDir    string `yaml:"outputDir"`

	LogEnv   string `yaml:"logEnv"`
	LogLevel string `yaml:"logLevel"`
	HTTPAddr string `yaml:"httpAddr"`

	PDFMaxPages         int      `yaml:"pdfMaxPages"`
	PDFMinTextLength    int      `yaml:"pdfMinTextLength"`
	PDFDefaultPasswords []string `yaml:"pdfDefaultPasswords"`
	RasterScale         float64  `yaml:"rasterScale"`
	HeaderBandFraction  float64  `yaml:"headerBandFraction"`
	OCRTimeoutSec       int      `yaml:"ocrTimeoutSec"`
	OCRLanguage         string   `yaml:"ocrLanguage"`
	ToolTimeoutSec      int      `yaml:"toolTimeoutSec"`
	TesseractBin        string   `yaml:"tesseractBin"`
	PdftoppmBin         string   `yaml:"pdftoppmBin"`
	PdfimagesBin        string   `yaml:"pdfimagesBin"`
	PdfinfoBin          string   `yaml:"pdfinfoBin"`
	PdftotextBin        string   `yaml:"pdftotextBin"`

	EncoderType   string `yaml:"encoderType"`
	OrtLibPath    string `yaml:"ortLibPath"`
	ONNXModelPath string `yaml:"onnxModelPath"`
	TokenizerPath string `yaml:"tokenizerPath"`
	ONNXInputs    string `yaml:"onnxInputs"`
	ONNXOutput    string `yaml:"onnxOutput"`
	MaxSeqLen     int    `yaml:"maxSeqLen"`
	OpenAIBaseURL string `yaml:"openaiBaseUrl"`
	OpenAIAPIKey  string `yaml:"-"`
	OpenAIModel   string `yaml:"openaiModel"`
	EmbedDims     int    `yaml:"embedDims"`
	EmbedCache    string `yaml:"embedCache"`
	BadgerDir     string `yaml:"badgerDir"`

	CatalogAPIBaseURL     string `yaml:"catalogApiBaseUrl"`
	CatalogAPISecret      string `yaml:"-"`
	CatalogRateLimitRPS   int    `yaml:"catalogRateLimitRps"`
	CatalogTokenTimeoutMs int    `yaml:"catalogTokenTimeoutMs"`
	CatalogListTimeoutMs  int    `yaml:"catalogListTimeoutMs"`
	CatalogEnrichmentOff  bool   `yaml:"catalogEnrichmentOff"`

	MatchOriginBonus      float64 `yaml:"matchOriginBonus"`
	MatchDescriptionBonus float64 `yaml:"matchDescriptionBonus"`
	MatchHighThreshold    float64 `yaml:"matchHighThreshold"`
	MatchMediumThreshold  float64 `yaml:"matchMediumThreshold"`
	MatchMaxResults       int     `yaml:"matchMaxResults"`
	LayoutsPageSize       int     `yaml:"layoutsPageSize"`
	BatchWorkers          int     `yaml:"batchWorkers"`

	TrainerCmd        string `yaml:"trainerCmd"`
	TrainerQuickFlag  string `yaml:"trainerQuickFlag"`
	TrainerTimeoutMin int    `yaml:"trainerTimeoutMin"`
	TrainingDir       string `yaml:"trainingDir"`
	TextCacheDir      string `yaml:"textCacheDir"`

	IntakeDir         string `yaml:"intakeDir"`
	IntakeProvider    string `yaml:"intakeProvider"`
	IntakeLabel       string `yaml:"intakeLabel"`
	IntakeIntervalSec int    `yaml:"intakeIntervalSec"`
	IntakeFetchMax    int    `yaml:"intakeFetchMax"`
	IntakeBatch       int    `yaml:"intakeBatch"`

	GmailClientID     string `yaml:"gmailClientId"`
	GmailClientSecret string `yaml:"-"`
	GmailRedirectURI  string `yaml:"gmailRedirectUri"`
	GmailRefreshToken string `yaml:"-"`

	IMAPHost     string `yaml:"imapHost"`
	IMAPPort     int    `yaml:"imapPort"`
	IMAPSecure   bool   `yaml:"imapSecure"`
	IMAPUser     string `yaml:"imapUser"`
	IMAPPassword string `yaml:"-"`
	IMAPMarkSeen bool   `yaml:"imapMarkSeen"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	base := defaults(cwd)
	if err := mergeFile(&base, getEnv("CONFIG_FILE", filepath.Join(cwd, "config.yaml"))); err != nil {
		return Config{}, err
	}

	cfg := Config{
		DataDir:      getEnv("DATA_DIR", base.DataDir),
		ArtifactsDir: getEnv("ARTIFACTS_DIR", base.ArtifactsDir),
		DBPath:       getEnv("DB_PATH", base.DBPath),
		OutputDir:    getEnv("OUTPUT_DIR", base.OutputDir),

		LogEnv:   getEnv("LOG_ENV", base.LogEnv),
		LogLevel: getEnv("LOG_LEVEL", base.LogLevel),
		HTTPAddr: getEnv("HTTP_ADDR", base.HTTPAddr),

		PDFMaxPages:         getEnvInt("PDF_MAX_PAGES", base.PDFMaxPages),
		PDFMinTextLength:    getEnvInt("PDF_MIN_TEXT_LENGTH", base.PDFMinTextLength),
		PDFDefaultPasswords: getEnvList("PDF_DEFAULT_PASSWORDS", base.PDFDefaultPasswords),
		RasterScale:         getEnvFloat("PDF_RASTER_SCALE", base.RasterScale),
		HeaderBandFraction:  getEnvFloat("HEADER_BAND_FRACTION", base.HeaderBandFraction),
		OCRTimeoutSec:       getEnvInt("OCR_TIMEOUT_SEC", base.OCRTimeoutSec),
		OCRLanguage:         getEnv("OCR_LANG", base.OCRLanguage),
		ToolTimeoutSec:      getEnvInt("TOOL_TIMEOUT_SEC", base.ToolTimeoutSec),
		TesseractBin:        getEnv("TESSERACT_BIN", base.TesseractBin),
		PdftoppmBin:         getEnv("PDFTOPPM_BIN", base.PdftoppmBin),
		PdfimagesBin:        getEnv("PDFIMAGES_BIN", base.PdfimagesBin),
		PdfinfoBin:          getEnv("PDFINFO_BIN", base.PdfinfoBin),
		PdftotextBin:        getEnv("PDFTOTEXT_BIN", base.PdftotextBin),

		EncoderType:   getEnv("ENCODER_TYPE", base.EncoderType),
		OrtLibPath:    getEnv("ORT_LIB_PATH", base.OrtLibPath),
		ONNXModelPath: getEnv("ONNX_MODEL_PATH", base.ONNXModelPath),
		TokenizerPath: getEnv("TOKENIZER_PATH", base.TokenizerPath),
		ONNXInputs:    getEnv("ONNX_INPUTS", base.ONNXInputs),
		ONNXOutput:    getEnv("ONNX_OUTPUT", base.ONNXOutput),
		MaxSeqLen:     getEnvInt("MAX_SEQ_LEN", base.MaxSeqLen),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", base.OpenAIBaseURL),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", base.OpenAIModel),
		EmbedDims:     getEnvInt("EMBED_DIMS", base.EmbedDims),
		EmbedCache:    getEnv("EMBED_CACHE", base.EmbedCache),
		BadgerDir:     getEnv("BADGER_DIR", base.BadgerDir),

		CatalogAPIBaseURL:     getEnv("CATALOG_API_BASE_URL", base.CatalogAPIBaseURL),
		CatalogAPISecret:      getEnv("CATALOG_API_SECRET", ""),
		CatalogRateLimitRPS:   getEnvInt("CATALOG_RATE_LIMIT_RPS", base.CatalogRateLimitRPS),
		CatalogTokenTimeoutMs: getEnvInt("CATALOG_TOKEN_TIMEOUT_MS", base.CatalogTokenTimeoutMs),
		CatalogListTimeoutMs:  getEnvInt("CATALOG_LIST_TIMEOUT_MS", base.CatalogListTimeoutMs),
		CatalogEnrichmentOff:  getEnvBool("CATALOG_ENRICHMENT_OFF", base.CatalogEnrichmentOff),

		MatchOriginBonus:      getEnvFloat("MATCH_ORIGIN_BONUS", base.MatchOriginBonus),
		MatchDescriptionBonus: getEnvFloat("MATCH_DESCRIPTION_BONUS", base.MatchDescriptionBonus),
		MatchHighThreshold:    getEnvFloat("MATCH_HIGH_THRESHOLD", base.MatchHighThreshold),
		MatchMediumThreshold:  getEnvFloat("MATCH_MEDIUM_THRESHOLD", base.MatchMediumThreshold),
		MatchMaxResults:       getEnvInt("MATCH_MAX_RESULTS", base.MatchMaxResults),
		LayoutsPageSize:       getEnvInt("LAYOUTS_PAGE_SIZE", base.LayoutsPageSize),
		BatchWorkers:          getEnvInt("BATCH_WORKERS", base.BatchWorkers),

		TrainerCmd:        getEnv("TRAINER_CMD", base.TrainerCmd),
		TrainerQuickFlag:  getEnv("TRAINER_QUICK_FLAG", base.TrainerQuickFlag),
		TrainerTimeoutMin: getEnvInt("TRAINER_TIMEOUT_MIN", base.TrainerTimeoutMin),
		TrainingDir:       getEnv("TRAINING_DIR", base.TrainingDir),
		TextCacheDir:      getEnv("TEXT_CACHE_DIR", base.TextCacheDir),

		IntakeDir:         getEnv("INTAKE_DIR", base.IntakeDir),
		IntakeProvider:    getEnv("INTAKE_PROVIDER", base.IntakeProvider),
		IntakeLabel:       getEnv("INTAKE_LABEL", base.IntakeLabel),
		IntakeIntervalSec: getEnvInt("INTAKE_INTERVAL_SEC", base.IntakeIntervalSec),
		IntakeFetchMax:    getEnvInt("INTAKE_FETCH_MAX", base.IntakeFetchMax),
		IntakeBatch:       getEnvInt("INTAKE_BATCH", base.IntakeBatch),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", base.GmailClientID),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", base.GmailRedirectURI),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", base.IMAPHost),
		IMAPPort:     getEnvInt("IMAP_PORT", base.IMAPPort),
		IMAPSecure:   getEnvBool("IMAP_SECURE", base.IMAPSecure),
		IMAPUser:     getEnv("IMAP_USER", base.IMAPUser),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", base.IMAPMarkSeen),
	}

	return cfg, nil
}

func defaults(cwd string) Config {
	dataDir := filepath.Join(cwd, "data")
	return Config{
		DataDir:      dataDir,
		ArtifactsDir: filepath.Join(dataDir, "index"),
		DBPath:       filepath.Join(dataDir, "app.db"),
		OutputDir:    filepath.Join(cwd, "out"),

		LogEnv:   "local",
		LogLevel: "info",
		HTTPAddr: ":8080",

		PDFMaxPages:         3,
		PDFMinTextLength:    50,
		PDFDefaultPasswords: []string{"123456", "0000"},
		RasterScale:         2,
		HeaderBandFraction:  0.15,
		OCRTimeoutSec:       15,
		OCRLanguage:         "por",
		ToolTimeoutSec:      60,
		TesseractBin:        "tesseract",
		PdftoppmBin:         "pdftoppm",
		PdfimagesBin:        "pdfimages",
		PdfinfoBin:          "pdfinfo",
		PdftotextBin:        "pdftotext",

		EncoderType:   "onnx",
		OrtLibPath:    "/usr/lib/libonnxruntime.so",
		ONNXModelPath: filepath.Join(dataDir, "model", "model.onnx"),
		TokenizerPath: filepath.Join(dataDir, "model", "tokenizer.json"),
		ONNXInputs:    "input_ids,attention_mask",
		ONNXOutput:    "last_hidden_state",
		MaxSeqLen:     256,
		OpenAIBaseURL: "https://api.openai.com/v1",
		OpenAIModel:   "text-embedding-3-small",
		EmbedCache:    "sqlite",
		BadgerDir:     filepath.Join(dataDir, "embcache"),

		CatalogAPIBaseURL:     "https://manager.conciliadorcontabil.com.br/api/",
		CatalogRateLimitRPS:   5,
		CatalogTokenTimeoutMs: 10000,
		CatalogListTimeoutMs:  15000,

		MatchOriginBonus:      25,
		MatchDescriptionBonus: 20,
		MatchHighThreshold:    85,
		MatchMediumThreshold:  60,
		MatchMaxResults:       5,
		LayoutsPageSize:       10,
		BatchWorkers:          4,

		TrainerQuickFlag:  "--retreinar-rapido",
		TrainerTimeoutMin: 60,
		TrainingDir:       filepath.Join(dataDir, "training"),
		TextCacheDir:      filepath.Join(dataDir, "text_cache"),

		IntakeDir:         filepath.Join(dataDir, "intake"),
		IntakeProvider:    "imap",
		IntakeLabel:       "INBOX",
		IntakeIntervalSec: 60,
		IntakeFetchMax:    20,
		IntakeBatch:       20,

		GmailRedirectURI: "https://developers.google.com/oauthplayground",

		IMAPPort:   993,
		IMAPSecure: true,
	}
}

// mergeFile overlays values present in a YAML file. A missing file is not an error.
func mergeFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) OCRTimeout() time.Duration {
	return time.Duration(c.OCRTimeoutSec) * time.Second
}

func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

func (c Config) TrainerTimeout() time.Duration {
	return time.Duration(c.TrainerTimeoutMin) * time.Minute
}

func (c Config) IntakeInterval() time.Duration {
	return time.Duration(c.IntakeIntervalSec) * time.Second
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

// getEnvList reads a comma separated list. Empty items are dropped.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
