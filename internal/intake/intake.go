package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"layoutid/internal"
	"layoutid/internal/logger"
	"layoutid/internal/match"
	"layoutid/internal/storage"
	"layoutid/internal/util"
)

// Message is one raw RFC 822 message pulled from a mailbox.
type Message struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt time.Time
	Raw        []byte
}

type Connector interface {
	Name() string
	FetchInbox(ctx context.Context, label string, max int) ([]Message, error)
}

type MessageStore interface {
	UpsertIntakeMessage(m storage.IntakeMessage) (storage.IntakeMessage, error)
	ListIntakeMessages(status string, limit int) ([]storage.IntakeMessage, error)
	UpdateIntakeStatus(id int64, status string) error
}

type Identifier interface {
	Batch(ctx context.Context, paths []string, hints internal.Hints, workers int) ([]match.FileOutcome, error)
}

type Options struct {
	Label     string
	FetchMax  int
	BatchSize int
	Workers   int
	RawDir    string
	OutputDir string
}

// Service pulls statements sent by e-mail, files them as .eml, and runs
// identification over the pending ones. The extraction pipeline unwraps the
// first supported attachment of each message.
type Service struct {
	conn   Connector
	db     MessageStore
	engine Identifier
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewService(conn Connector, db MessageStore, engine Identifier, opts Options, log *zap.Logger) *Service {
	if opts.FetchMax <= 0 {
		opts.FetchMax = 20
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Label == "" {
		opts.Label = "INBOX"
	}
	return &Service{conn: conn, db: db, engine: engine, opts: opts, logger: logger.OrNop(log), now: time.Now}
}

type FetchResult struct {
	Fetched int
	Stored  int
}

// Fetch stores new messages under their content hash. Messages seen before
// keep their status.
func (s *Service) Fetch(ctx context.Context) (FetchResult, error) {
	messages, err := s.conn.FetchInbox(ctx, s.opts.Label, s.opts.FetchMax)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch %s: %w", s.conn.Name(), err)
	}
	if err := os.MkdirAll(s.opts.RawDir, 0o755); err != nil {
		return FetchResult{}, err
	}

	stored := 0
	for _, msg := range messages {
		sum := sha256.Sum256(msg.Raw)
		hash := hex.EncodeToString(sum[:])
		rawPath := filepath.Join(s.opts.RawDir, hash+".eml")
		if _, err := os.Stat(rawPath); os.IsNotExist(err) {
			if err := os.WriteFile(rawPath, msg.Raw, 0o644); err != nil {
				return FetchResult{}, err
			}
		}

		received := ""
		if !msg.ReceivedAt.IsZero() {
			received = msg.ReceivedAt.UTC().Format(time.RFC3339)
		}
		if _, err := s.db.UpsertIntakeMessage(storage.IntakeMessage{
			Provider:   msg.Provider,
			MessageID:  msg.MessageID,
			Subject:    msg.Subject,
			Sender:     msg.From,
			ReceivedAt: received,
			Hash:       hash,
			RawRef:     rawPath,
		}); err != nil {
			return FetchResult{}, err
		}
		stored++
	}
	return FetchResult{Fetched: len(messages), Stored: stored}, nil
}

type IdentifyResult struct {
	Messages int
	Output   string
}

// IdentifyPending identifies up to BatchSize fetched messages, writes one
// workbook for the run, and marks them identified.
func (s *Service) IdentifyPending(ctx context.Context) (IdentifyResult, error) {
	pending, err := s.db.ListIntakeMessages(storage.MessageFetched, s.opts.BatchSize)
	if err != nil {
		return IdentifyResult{}, err
	}
	if len(pending) == 0 {
		return IdentifyResult{}, nil
	}

	paths := make([]string, len(pending))
	for i, m := range pending {
		paths[i] = m.RawRef
	}
	results, err := s.engine.Batch(ctx, paths, internal.Hints{}, s.opts.Workers)
	if err != nil {
		return IdentifyResult{}, err
	}
	for i := range results {
		results[i].File = label(pending[i])
	}

	name := fmt.Sprintf("intake-%s-%s.xlsx", util.SafeFileName(s.conn.Name()), s.now().Format("20060102-150405"))
	output := filepath.Join(s.opts.OutputDir, "intake", name)
	if err := match.ExportCandidates(results, output); err != nil {
		return IdentifyResult{}, fmt.Errorf("export intake results: %w", err)
	}

	for _, m := range pending {
		if err := s.db.UpdateIntakeStatus(m.ID, storage.MessageIdentified); err != nil {
			return IdentifyResult{}, err
		}
	}
	return IdentifyResult{Messages: len(pending), Output: output}, nil
}

func (s *Service) RunCycle(ctx context.Context) error {
	fetched, err := s.Fetch(ctx)
	if err != nil {
		return err
	}
	identified, err := s.IdentifyPending(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("intake cycle done",
		zap.String("provider", s.conn.Name()),
		zap.Int("fetched", fetched.Fetched),
		zap.Int("stored", fetched.Stored),
		zap.Int("identified", identified.Messages),
		zap.String("output", identified.Output),
	)
	return nil
}

// Run repeats RunCycle every interval until ctx is done. Cycle errors are
// logged and the loop keeps going.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Warn("intake cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func label(m storage.IntakeMessage) string {
	subject := util.FirstNonEmpty(strings.TrimSpace(m.Subject), "(no subject)")
	if m.Sender == "" {
		return subject
	}
	return subject + " <" + m.Sender + ">"
}
