package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/config"
)

// Manager owns the Chrome process and hands out tabs. The browser is launched
// lazily on the first NewPage call so that commands which never touch the
// network do not pay the startup cost.
type Manager struct {
	cfg config.BrowserConfig
	log *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error

	mu   sync.Mutex
	tabs map[string]*Tab
	wg   sync.WaitGroup
}

var _ schemas.PageFactory = (*Manager)(nil)

// NewManager creates a browser manager. No process is spawned yet.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:  cfg,
		log:  logger.Named("browser"),
		tabs: make(map[string]*Tab),
	}
}

func (m *Manager) start() error {
	m.startOnce.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", m.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(m.cfg.WindowWidth, m.cfg.WindowHeight),
		)
		if m.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
		}

		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)

		// Run with no actions forces the browser process to start now, so a
		// broken Chrome install fails here instead of inside the first query.
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			m.startErr = fmt.Errorf("launch browser: %w", err)
			return
		}

		m.allocCancel = allocCancel
		m.browserCtx = browserCtx
		m.browserCancel = browserCancel
		m.log.Info("browser launched",
			zap.Bool("headless", m.cfg.Headless),
			zap.Int("window_width", m.cfg.WindowWidth),
			zap.Int("window_height", m.cfg.WindowHeight))
	})
	return m.startErr
}

// NewPage opens a fresh tab. The returned page stays usable until Close or
// Shutdown.
func (m *Manager) NewPage(ctx context.Context) (schemas.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.start(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	t := &Tab{
		id:     uuid.NewString(),
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    m.cfg,
	}
	t.log = m.log.With(zap.String("tab_id", t.id))

	m.wg.Add(1)
	t.onClose = func() {
		m.mu.Lock()
		delete(m.tabs, t.id)
		m.mu.Unlock()
		m.wg.Done()
	}

	m.mu.Lock()
	m.tabs[t.id] = t
	m.mu.Unlock()

	t.log.Debug("tab opened")
	return t, nil
}

// Shutdown closes every open tab and then the browser process. It waits for
// tab teardown until ctx expires, then proceeds regardless.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.mu.Unlock()

	for _, t := range tabs {
		if err := t.Close(ctx); err != nil {
			m.log.Warn("tab close during shutdown", zap.String("tab_id", t.id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("timeout waiting for tabs to close", zap.Error(ctx.Err()))
	}

	if m.browserCtx != nil {
		if err := chromedp.Cancel(m.browserCtx); err != nil {
			m.log.Warn("browser cancel", zap.Error(err))
		}
		m.browserCancel()
		m.allocCancel()
	}
	m.log.Info("browser manager shut down")
	return nil
}
