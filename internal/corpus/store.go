package corpus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"layoutid/internal/config"
	"layoutid/internal/logger"
	"layoutid/internal/storage"
	"layoutid/internal/util"
)

var ErrMissingCode = errors.New("layout code is required")

type Recorder interface {
	InsertConfirmation(c storage.Confirmation) (int64, error)
}

// Store files confirmed samples into the training corpus the trainer reads.
type Store struct {
	trainingDir  string
	textCacheDir string
	db           Recorder
	logger       *zap.Logger
	now          func() time.Time
}

func NewStore(trainingDir, textCacheDir string, db Recorder, log *zap.Logger) *Store {
	return &Store{
		trainingDir:  trainingDir,
		textCacheDir: textCacheDir,
		db:           db,
		logger:       logger.OrNop(log),
		now:          time.Now,
	}
}

func StoreFromConfig(cfg config.Config, db Recorder, log *zap.Logger) *Store {
	return NewStore(cfg.TrainingDir, cfg.TextCacheDir, db, log)
}

// Confirm copies src into the training directory as
// {code}_confirmed_{timestamp}_{name} and caches its extracted text next to
// the other samples' text. An empty text skips the cache file; the trainer
// extracts it again in that case.
func (s *Store) Confirm(src, code, text string) (storage.Confirmation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return storage.Confirmation{}, ErrMissingCode
	}
	name := util.SafeFileName(filepath.Base(src))
	stored := fmt.Sprintf("%s_confirmed_%s_%s", util.SafeFileName(code), s.now().Format("20060102150405"), name)

	if err := os.MkdirAll(s.trainingDir, 0o755); err != nil {
		return storage.Confirmation{}, fmt.Errorf("create training dir: %w", err)
	}
	storedPath := filepath.Join(s.trainingDir, stored)
	if err := copyFile(src, storedPath); err != nil {
		return storage.Confirmation{}, fmt.Errorf("copy sample: %w", err)
	}

	c := storage.Confirmation{LayoutCode: code, SourceName: name, StoredPath: storedPath}
	if strings.TrimSpace(text) != "" {
		if err := os.MkdirAll(s.textCacheDir, 0o755); err != nil {
			return storage.Confirmation{}, fmt.Errorf("create text cache dir: %w", err)
		}
		c.TextPath = filepath.Join(s.textCacheDir, stored+".txt")
		if err := os.WriteFile(c.TextPath, []byte(text), 0o644); err != nil {
			return storage.Confirmation{}, fmt.Errorf("write text cache: %w", err)
		}
	}

	if s.db != nil {
		id, err := s.db.InsertConfirmation(c)
		if err != nil {
			return storage.Confirmation{}, fmt.Errorf("record confirmation: %w", err)
		}
		c.ID = id
	}
	s.logger.Info("sample confirmed", zap.String("code", code), zap.String("stored", storedPath))
	return c, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
