package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/catalog"
	"layoutid/internal/config"
	"layoutid/internal/corpus"
	"layoutid/internal/encoder"
	"layoutid/internal/extract"
	"layoutid/internal/index"
	"layoutid/internal/intake"
	gmailintake "layoutid/internal/intake/gmail"
	imapintake "layoutid/internal/intake/imap"
	"layoutid/internal/logger"
	"layoutid/internal/match"
	"layoutid/internal/metrics"
	"layoutid/internal/retrain"
	"layoutid/internal/storage"
	"layoutid/internal/storage/badgerkv"
	"layoutid/internal/transport/httpapi"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogEnv, cfg.LogLevel)
	must(err)
	defer func() { _ = log.Sync() }()

	a, err := newApp(cfg, log)
	must(err)
	defer a.Close()

	ctx := context.Background()
	cmd := os.Args[1]
	switch cmd {
	case "identify":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "document to identify")
		hints := hintFlags(fs)
		password := fs.String("password", "", "PDF password")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		printJSON(a.engine.Identify(ctx, *file, *hints, *password))
	case "extract":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "document to extract")
		password := fs.String("password", "", "PDF password")
		_ = fs.Parse(os.Args[2:])
		res := a.extractor.Extract(*file, *password)
		if res.Status != extract.StatusText {
			must(fmt.Errorf("extract %s: %s", *file, res.Status))
		}
		fmt.Println(res.Text)
		if res.WasOCR {
			fmt.Fprintln(os.Stderr, "(text obtained through OCR)")
		}
	case "header":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "PDF document")
		password := fs.String("password", "", "PDF password")
		_ = fs.Parse(os.Args[2:])
		fmt.Println(a.extractor.ExtractHeader(*file, *password))
	case "layouts":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		hints := hintFlags(fs)
		page := fs.Int("page", 1, "1-based page")
		_ = fs.Parse(os.Args[2:])
		res, ok := a.engine.ListLayouts(ctx, match.LayoutFilter{
			Origin:      hints.Origin,
			Description: hints.Description,
			ReportType:  hints.ReportType,
		}, *page)
		if !ok {
			must(index.ErrIndexUnavailable)
		}
		printJSON(res)
	case "reload":
		must(a.loader.Reload(ctx))
		snap := a.loader.Current()
		fmt.Printf("index reloaded embeddings=%d layouts=%d dims=%d\n", len(snap.Rows), len(snap.Layouts), snap.Dims)
	case "retrain":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		quick := fs.Bool("quick", false, "only embed samples added since the last run")
		_ = fs.Parse(os.Args[2:])
		must(a.trigger.Run(ctx, *quick))
		fmt.Println("retrain done")
	case "confirm":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "sample document")
		code := fs.String("code", "", "correct layout code")
		password := fs.String("password", "", "PDF password")
		noRetrain := fs.Bool("no-retrain", false, "skip the quick retrain")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*file) == "" || strings.TrimSpace(*code) == "" {
			must(fmt.Errorf("--file and --code are required"))
		}
		text := ""
		if res := a.extractor.Extract(*file, *password); res.Status == extract.StatusText {
			text = res.Text
		}
		c, err := a.corpus.Confirm(*file, *code, text)
		must(err)
		fmt.Printf("sample stored as %s\n", c.StoredPath)
		if !*noRetrain {
			must(a.trigger.Run(ctx, true))
			fmt.Println("quick retrain done")
		}
	case "status":
		st, err := a.trigger.LastStatus()
		must(err)
		recent, err := a.db.ListConfirmations(10)
		must(err)
		status := map[string]any{"retrain": st, "recentConfirmations": recent}
		if snap, ok := a.loader.Load(ctx); ok {
			status["index"] = map[string]any{
				"embeddings": len(snap.Rows),
				"layouts":    len(snap.Layouts),
				"dims":       snap.Dims,
				"encoder":    snap.Encoder.ModelID(),
			}
		}
		printJSON(status)
	case "batch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		dir := fs.String("dir", "", "directory of documents")
		out := fs.String("out", "", "output xlsx path")
		hints := hintFlags(fs)
		workers := fs.Int("workers", cfg.BatchWorkers, "concurrent identifications")
		_ = fs.Parse(os.Args[2:])
		paths := fs.Args()
		if *dir != "" {
			found, err := supportedFiles(*dir)
			must(err)
			paths = append(paths, found...)
		}
		if len(paths) == 0 {
			must(fmt.Errorf("no input files: pass --dir or file paths"))
		}
		if *out == "" {
			*out = filepath.Join(cfg.OutputDir, "identify-"+time.Now().Format("20060102-150405")+".xlsx")
		}
		results, err := a.engine.Batch(ctx, paths, *hints, *workers)
		must(err)
		must(match.ExportCandidates(results, *out))
		fmt.Printf("batch done files=%d output=%s\n", len(results), *out)
	case "intake":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.IntakeProvider, "imap|gmail")
		label := fs.String("label", cfg.IntakeLabel, "mailbox/label")
		once := fs.Bool("once", false, "run a single fetch+identify cycle")
		_ = fs.Parse(os.Args[2:])
		runIntake(a, *provider, *label, *once)
	case "serve":
		runServer(a)
	default:
		usage()
		os.Exit(1)
	}
}

type app struct {
	cfg       config.Config
	log       *zap.Logger
	db        *storage.DB
	kv        *badgerkv.Store
	loader    *index.Loader
	extractor *extract.Extractor
	engine    *match.Engine
	trigger   *retrain.Trigger
	corpus    *corpus.Store
}

type vectorStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

func newApp(cfg config.Config, log *zap.Logger) (*app, error) {
	metrics.Register()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, log: log, db: db}

	var cache vectorStore
	switch strings.ToLower(cfg.EmbedCache) {
	case "badger":
		kv, err := badgerkv.Open(cfg.BadgerDir, log)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open embedding cache: %w", err)
		}
		a.kv = kv
		cache = kv
	case "none", "off":
	default:
		cache = db
	}

	newEncoder := func() (encoder.Encoder, error) {
		enc, err := encoder.FromConfig(cfg, log)
		if err != nil {
			return nil, err
		}
		if cache == nil {
			return enc, nil
		}
		return encoder.NewCached(enc, cache, log), nil
	}

	var decorators []index.Decorator
	if enricher := catalog.EnricherFromConfig(cfg, log); enricher != nil {
		decorators = append(decorators, enricher)
	}

	a.loader = index.NewLoader(cfg.ArtifactsDir, newEncoder, log, decorators...)
	a.extractor = extract.NewFromConfig(cfg, log)
	a.engine = match.NewEngine(a.loader, a.extractor, match.WeightsFromConfig(cfg), cfg.LayoutsPageSize, log)
	a.trigger = retrain.TriggerFromConfig(cfg, a.loader, db, log)
	a.corpus = corpus.StoreFromConfig(cfg, db, log)
	return a, nil
}

func (a *app) Close() {
	if err := a.loader.Close(); err != nil {
		a.log.Warn("close encoder", zap.Error(err))
	}
	if a.kv != nil {
		_ = a.kv.Close()
	}
	_ = a.db.Close()
}

func runServer(a *app) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps := httpapi.Deps{Engine: a.engine, Extractor: a.extractor, Index: a.loader, Corpus: a.corpus}
	if strings.TrimSpace(a.cfg.TrainerCmd) != "" {
		q, err := retrain.NewQueue(ctx, a.trigger, a.log)
		must(err)
		defer q.Release()
		deps.Retrain = q
	}

	// Warm the index so the first request does not pay for the build.
	if _, ok := a.loader.Load(ctx); !ok {
		a.log.Warn("index not loaded at startup; requests will retry")
	}

	srv := httpapi.NewServer(deps, a.log)
	must(httpapi.ListenAndServe(ctx, a.cfg.HTTPAddr, srv.Routes(), 15*time.Second, a.log))
	a.log.Info("server stopped")
}

func runIntake(a *app, provider, label string, once bool) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := makeConnector(ctx, a.cfg, provider)
	must(err)
	svc := intake.NewService(conn, a.db, a.engine, intake.Options{
		Label:     label,
		FetchMax:  a.cfg.IntakeFetchMax,
		BatchSize: a.cfg.IntakeBatch,
		Workers:   a.cfg.BatchWorkers,
		RawDir:    a.cfg.IntakeDir,
		OutputDir: a.cfg.OutputDir,
	}, a.log)
	if once {
		must(svc.RunCycle(ctx))
		return
	}
	must(svc.Run(ctx, a.cfg.IntakeInterval()))
}

func makeConnector(ctx context.Context, cfg config.Config, provider string) (intake.Connector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailintake.NewConnector(ctx, cfg)
	case "imap":
		return imapintake.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func hintFlags(fs *flag.FlagSet) *internal.Hints {
	h := &internal.Hints{}
	fs.StringVar(&h.Origin, "origin", "", "origin system hint")
	fs.StringVar(&h.Description, "description", "", "free-text description hint")
	fs.StringVar(&h.ReportType, "reportType", "", "report type filter (todos = any)")
	return h
}

func supportedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !extract.IsSupported(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	must(enc.Encode(v))
}

func usage() {
	fmt.Println("usage: layoutid <command>")
	fmt.Println("commands:")
	fmt.Println("  identify --file=... [--origin=...] [--description=...] [--reportType=...] [--password=...]")
	fmt.Println("  extract --file=... [--password=...]")
	fmt.Println("  header --file=... [--password=...]")
	fmt.Println("  layouts [--origin=...] [--description=...] [--reportType=...] [--page=1]")
	fmt.Println("  reload")
	fmt.Println("  retrain [--quick]")
	fmt.Println("  confirm --file=... --code=... [--password=...] [--no-retrain]")
	fmt.Println("  status")
	fmt.Println("  batch [--dir=...] [--out=...xlsx] [--workers=4] [file ...]")
	fmt.Println("  intake [--provider=imap|gmail] [--label=INBOX] [--once]")
	fmt.Println("  serve")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
