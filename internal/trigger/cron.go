// Package trigger runs the in-process tick scheduler for deployments
// without an external cron hitting the HTTP endpoint.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stridebot/internal/httpapi"
	logx "stridebot/pkg/logx"
)

type Config struct {
	// Every is the tick interval, e.g. "60s".
	Every time.Duration
}

// Cron invokes the engine tick on a fixed interval.
type Cron struct {
	c      *cron.Cron
	log    logx.Logger
	ticker httpapi.Ticker

	cancel context.CancelFunc
}

func New(cfg Config, ticker httpapi.Ticker, log logx.Logger) (*Cron, error) {
	if cfg.Every <= 0 {
		cfg.Every = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	t := &Cron{
		c:      cron.New(),
		log:    log,
		ticker: ticker,
	}

	spec := fmt.Sprintf("@every %s", cfg.Every)
	if _, err := t.c.AddFunc(spec, t.run); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", strings.TrimPrefix(spec, "@every "), err)
	}
	return t, nil
}

func (t *Cron) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.c.Start()
	go func() {
		<-ctx.Done()
		t.c.Stop()
	}()
	t.log.Info("internal tick scheduler started")
}

func (t *Cron) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	// Stop returns a context that completes when running jobs finish.
	<-t.c.Stop().Done()
}

func (t *Cron) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := t.ticker.Tick(ctx); err != nil {
		t.log.Error("scheduled tick failed", logx.Err(err))
	}
}
