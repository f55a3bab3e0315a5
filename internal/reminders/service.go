package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/pkg/logx"
)

type Config struct {
	Enabled     bool
	CheckPeriod time.Duration
}

// Service drives Engine.Invoke on a fixed period. Overlapping ticks
// are serialized: a tick that fires while the previous scan is still
// running is skipped, which keeps the engine's single-invocation
// assumption intact within this process.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	engine *Engine
	log    logx.Logger

	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func NewService(cfg Config, engine *Engine, log logx.Logger) *Service {
	return &Service{cfg: cfg, engine: engine, log: log.With(logx.String("svc", "reminders"))}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Debug("service disabled")
		return nil
	}
	period := s.cfg.CheckPeriod
	if period <= 0 {
		period = time.Minute
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	s.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})))
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", period), func() {
		if err := s.engine.Invoke(runCtx); err != nil {
			s.log.Warn("reminder scan finished with errors", logx.Err(err))
		}
	})
	if err != nil {
		s.c = nil
		s.cancel()
		return fmt.Errorf("schedule reminder scan: %w", err)
	}

	s.c.Start()
	s.log.Info("service started", logx.Duration("check_period", period))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-c.Stop().Done():
		s.log.Info("service stopped")
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("reminder service stop timed out"), ctx.Err())
	}
}

// cronLogger adapts logx to the cron.Logger contract. Only skip
// notices and schedule errors come through here.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
