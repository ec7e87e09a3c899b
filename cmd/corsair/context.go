package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/corsair-dl/corsair/internal/config"
	"github.com/corsair-dl/corsair/internal/direct"
	"github.com/corsair-dl/corsair/internal/health"
	"github.com/corsair-dl/corsair/internal/logger"
	"github.com/corsair-dl/corsair/internal/queue"
	"github.com/corsair-dl/corsair/internal/searchapi"
	"github.com/corsair-dl/corsair/internal/store"
	"github.com/corsair-dl/corsair/internal/transport"
	"github.com/corsair-dl/corsair/internal/transport/transmission"
)

// commandContext lazily builds the shared components a command needs. A
// one-shot command only pays for what it touches.
type commandContext struct {
	configFlag *string

	once      sync.Once
	initErr   error
	cfg       *config.Config
	log       *logger.Logger
	st        *store.Store
	gateway   transport.Gateway
	searchAPI *searchapi.Client
	monitor   *health.Monitor
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) init() error {
	c.once.Do(func() {
		path := ""
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}

		cfg, err := config.Load(path)
		if err != nil {
			c.initErr = err
			return
		}

		log := logger.New(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Path:   cfg.Logging.Path,
		})
		cfg.Validate(log.Logger)

		st, err := store.New(config.StateDir(), log.Logger)
		if err != nil {
			c.initErr = err
			return
		}

		searchClient, err := searchapi.NewClient(searchapi.ClientConfig{
			URL:     cfg.SearchAPI.URL,
			Timeout: time.Duration(cfg.SearchAPI.Timeout) * time.Second,
			Logger:  log.Logger,
		})
		if err != nil {
			c.initErr = err
			return
		}

		gateway := transmission.New(transmission.Config{
			Host:     cfg.Transmission.Host,
			Port:     cfg.Transmission.Port,
			Username: cfg.Transmission.Username,
			Password: cfg.Transmission.Password,
			UseSSL:   cfg.Transmission.UseSSL,
		}, log.Logger)

		monitor := health.NewMonitor(log.Logger)
		monitor.SetBackoff(cfg.HealthCheckEvery())
		monitor.Register(health.ServiceSearch, searchClient)
		monitor.Register(health.ServiceTransport, gateway)

		c.cfg = cfg
		c.log = log
		c.st = st
		c.gateway = gateway
		c.searchAPI = searchClient
		c.monitor = monitor
	})
	return c.initErr
}

func (c *commandContext) orchestrator() (*queue.Orchestrator, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return queue.New(queue.Options{
		MaxActive:           c.cfg.MaxActiveDownloads,
		AutoRemoveCompleted: c.cfg.AutoRemoveCompleted,
		DownloadDir:         c.cfg.DownloadDir,
		DirectDownloadDir:   c.cfg.DirectDownloadDir,
	}, c.st, c.gateway, direct.NewManager(c.log.Logger), c.monitor, c.log.Logger)
}

// lockedOrchestrator is for commands that mutate queue state. The
// state-dir lock is taken BEFORE the persisted queue is read, so a
// concurrently running daemon (which holds the lock for its whole
// lifetime) can never overwrite this process's change from its own
// in-memory view. The lock is held until the process exits.
func (c *commandContext) lockedOrchestrator() (*queue.Orchestrator, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	ok, err := c.st.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("state dir %s is in use by another corsair process (daemon or dashboard); stop it and retry", c.st.Dir())
	}
	return c.orchestrator()
}

// colored reports whether stdout is an interactive terminal.
func colored() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
