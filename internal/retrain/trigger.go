package retrain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"layoutid/internal/config"
	"layoutid/internal/logger"
)

const (
	metaStatus     = "retrain.status"
	metaFinishedAt = "retrain.finished_at"
	metaError      = "retrain.error"
)

const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

var ErrNoTrainer = errors.New("missing TRAINER_CMD")

type Reloader interface {
	Reload(ctx context.Context) error
}

type MetadataStore interface {
	SetMetadata(key, value string) error
	GetMetadata(key string) (*string, error)
}

// Trigger runs the external trainer and publishes the artifacts it writes.
type Trigger struct {
	command   []string
	quickFlag string
	timeout   time.Duration
	index     Reloader
	meta      MetadataStore
	logger    *zap.Logger
}

func NewTrigger(command, quickFlag string, timeout time.Duration, idx Reloader, meta MetadataStore, log *zap.Logger) *Trigger {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Trigger{
		command:   strings.Fields(command),
		quickFlag: quickFlag,
		timeout:   timeout,
		index:     idx,
		meta:      meta,
		logger:    logger.OrNop(log),
	}
}

func TriggerFromConfig(cfg config.Config, idx Reloader, meta MetadataStore, log *zap.Logger) *Trigger {
	return NewTrigger(cfg.TrainerCmd, cfg.TrainerQuickFlag, cfg.TrainerTimeout(), idx, meta, log)
}

// Run blocks until the trainer exits, then reloads the index. A quick run
// passes the quick flag so the trainer only embeds new samples.
func (t *Trigger) Run(ctx context.Context, quick bool) error {
	if len(t.command) == 0 {
		return ErrNoTrainer
	}
	args := append([]string{}, t.command[1:]...)
	if quick && t.quickFlag != "" {
		args = append(args, t.quickFlag)
	}

	t.setMeta(metaStatus, StatusRunning)
	start := time.Now()
	t.logger.Info("trainer started", zap.String("cmd", t.command[0]), zap.Strings("args", args))

	err := t.runTrainer(ctx, args)
	if err == nil {
		if rerr := t.index.Reload(ctx); rerr != nil {
			err = fmt.Errorf("reload index: %w", rerr)
		}
	}

	t.setMeta(metaFinishedAt, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.setMeta(metaStatus, StatusFailed)
		t.setMeta(metaError, err.Error())
		t.logger.Error("retrain failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return err
	}
	t.setMeta(metaStatus, StatusOK)
	t.setMeta(metaError, "")
	t.logger.Info("retrain finished", zap.Duration("took", time.Since(start)), zap.Bool("quick", quick))
	return nil
}

func (t *Trigger) runTrainer(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.command[0], args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("trainer: %w", ctx.Err())
		}
		return fmt.Errorf("trainer: %w: %s", err, tail(output.String(), 500))
	}
	return nil
}

type Status struct {
	State      string `json:"state"`
	FinishedAt string `json:"finishedAt,omitempty"`
	Error      string `json:"error,omitempty"`
}

// LastStatus reads what the last run recorded.
func (t *Trigger) LastStatus() (Status, error) {
	var s Status
	for key, dst := range map[string]*string{metaStatus: &s.State, metaFinishedAt: &s.FinishedAt, metaError: &s.Error} {
		v, err := t.meta.GetMetadata(key)
		if err != nil {
			return Status{}, err
		}
		if v != nil {
			*dst = *v
		}
	}
	return s, nil
}

func (t *Trigger) setMeta(key, value string) {
	if t.meta == nil {
		return
	}
	if err := t.meta.SetMetadata(key, value); err != nil {
		t.logger.Warn("store retrain metadata failed", zap.String("key", key), zap.Error(err))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
