package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// ChromedpLauncher starts local Chrome processes through chromedp.
type ChromedpLauncher struct {
	cfg Config
}

// NewChromedpLauncher returns a Launcher that uses the pool configuration for
// browser flags.
func NewChromedpLauncher(cfg Config) *ChromedpLauncher {
	return &ChromedpLauncher{cfg: cfg}
}

func (l *ChromedpLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	for name, value := range l.cfg.Flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Launch starts one browser process and waits until it accepts commands.
func (l *ChromedpLauncher) Launch(ctx context.Context) (Instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromeInstance{
		cfg:           l.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeInstance struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// NewSession opens a tab in a fresh incognito-like browser context.
func (i *chromeInstance) NewSession(ctx context.Context) (Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(i.browserCtx, chromedp.WithNewBrowserContext())

	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	if err := chromedp.Run(tabCtx, i.setup()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	return &chromeSession{ctx: tabCtx, cancel: tabCancel, timeout: i.cfg.NavigationTimeout}, nil
}

func (i *chromeInstance) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if i.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(i.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (i *chromeInstance) Close() error {
	err := chromedp.Cancel(i.browserCtx)
	i.browserCancel()
	i.allocCancel()
	if err != nil {
		return fmt.Errorf("cancel browser: %w", err)
	}
	return nil
}

type chromeSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// Run executes actions in the session's tab. The caller's ctx aborts the run
// without closing the tab.
func (s *chromeSession) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if s.timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, s.timeout)
		defer timeoutCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *chromeSession) Valid() bool {
	return s.ctx.Err() == nil
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}
