package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout   = 30 * time.Second
	defaultActionTime   = 10 * time.Second
	headlessEnv         = "AGENT_HEADLESS"
	defaultScrollAmount = 600
	readWait            = 5 * time.Second
)

// Controller exposes minimal browser actions to the agent.
type Controller interface {
	Close(ctx context.Context) error
	Alive(ctx context.Context) error
	Reopen(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	Reload(ctx context.Context) error
	Click(ctx context.Context, selector string, opts ClickOptions) error
	ClickText(ctx context.Context, text string, exact bool) error
	Hover(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string, timeout time.Duration) error
	Clear(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Blur(ctx context.Context, selector string) error
	TypeSequentially(ctx context.Context, selector, text string, delay, timeout time.Duration) error
	TypeKeyboard(ctx context.Context, text string, delay time.Duration) error
	Press(ctx context.Context, selector, key string) error
	SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error
	Read(ctx context.Context, selector string, timeout time.Duration) (string, error)
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	WaitForStableDOM(ctx context.Context, timeout time.Duration) error
	SaveState(ctx context.Context, path string) error
	Page() playwright.Page
}

// ClickOptions tunes a click.
type ClickOptions struct {
	Double  bool
	Right   bool
	Force   bool
	Timeout time.Duration
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, false)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

// NewController opens a fresh context and page, loading storagePath when it exists.
func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{context: bctx, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context playwright.BrowserContext
	page    playwright.Page
	lastURL string
}

func (c *controller) Page() playwright.Page {
	return c.page
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

// Alive is a cheap health check: the page must be open and able to evaluate script.
func (c *controller) Alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.page == nil || c.page.IsClosed() {
		return fmt.Errorf("could not establish connection: page is closed")
	}
	if _, err := c.page.Evaluate(`() => document.readyState`); err != nil {
		return wrap(err)
	}
	c.lastURL = c.page.URL()
	return nil
}

// Reopen replaces a closed or wedged page with a new one on the last known URL.
func (c *controller) Reopen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.page != nil && !c.page.IsClosed() {
		if c.lastURL == "" {
			c.lastURL = c.page.URL()
		}
		_ = c.page.Close()
	}
	page, err := c.context.NewPage()
	if err != nil {
		return fmt.Errorf("reopen page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	c.page = page
	if c.lastURL != "" && c.lastURL != "about:blank" {
		return c.Navigate(ctx, c.lastURL)
	}
	return nil
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	if err == nil {
		c.lastURL = c.page.URL()
	}
	return wrap(err)
}

func (c *controller) GoBack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.GoBack()
	return wrap(err)
}

func (c *controller) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Reload()
	return wrap(err)
}

func (c *controller) Click(ctx context.Context, selector string, opts ClickOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// First() avoids strict mode violations when several elements match.
	first := c.page.Locator(selector).First()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	if !opts.Force {
		if err := first.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		}); err != nil {
			return wrap(err)
		}
		_ = first.ScrollIntoViewIfNeeded()
	}
	if opts.Double {
		return wrap(first.Dblclick(playwright.LocatorDblclickOptions{
			Force:   playwright.Bool(opts.Force),
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		}))
	}
	clickOpts := playwright.LocatorClickOptions{
		Force:   playwright.Bool(opts.Force),
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}
	if opts.Right {
		clickOpts.Button = playwright.MouseButtonRight
	}
	return wrap(first.Click(clickOpts))
}

func (c *controller) ClickText(ctx context.Context, text string, exact bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	first := c.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(exact),
	}).First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(first.Click())
}

// Hover hovers over element to reveal hidden elements.
func (c *controller) Hover(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := millis(timeout)
	first, err := c.visible(selector, ms)
	if err != nil {
		return err
	}
	return wrap(first.Hover(playwright.LocatorHoverOptions{Timeout: ms}))
}

func (c *controller) Fill(ctx context.Context, selector, text string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := millis(timeout)
	first, err := c.visible(selector, ms)
	if err != nil {
		return err
	}
	return wrap(first.Fill(text, playwright.LocatorFillOptions{Timeout: ms}))
}

// visible waits for the first match of selector to become visible.
func (c *controller) visible(selector string, ms *float64) (playwright.Locator, error) {
	first := c.page.Locator(selector).First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms,
	}); err != nil {
		return nil, wrap(err)
	}
	return first, nil
}

// millis converts an action timeout for playwright; zero means the default.
func millis(timeout time.Duration) *float64 {
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}

func (c *controller) Clear(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Locator(selector).First().Clear())
}

func (c *controller) Focus(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Locator(selector).First().Focus())
}

func (c *controller) Blur(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Locator(selector).First().Blur())
}

// TypeSequentially types text key by key into selector, like a slow human.
func (c *controller) TypeSequentially(ctx context.Context, selector, text string, delay, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := millis(timeout)
	first, err := c.visible(selector, ms)
	if err != nil {
		return err
	}
	return wrap(first.PressSequentially(text, playwright.LocatorPressSequentiallyOptions{
		Delay:   playwright.Float(float64(delay.Milliseconds())),
		Timeout: ms,
	}))
}

// TypeKeyboard sends raw key events to whatever element currently has focus.
func (c *controller) TypeKeyboard(ctx context.Context, text string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Type(text, playwright.KeyboardTypeOptions{
		Delay: playwright.Float(float64(delay.Milliseconds())),
	}))
}

func (c *controller) Press(ctx context.Context, selector, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(selector) == "" {
		return wrap(c.page.Keyboard().Press(key))
	}
	return wrap(c.page.Locator(selector).First().Press(key))
}

func (c *controller) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	values := []string{value}
	_, err := c.page.Locator(selector).First().SelectOption(playwright.SelectOptionValues{Values: &values},
		playwright.LocatorSelectOptionOptions{Timeout: millis(timeout)})
	return wrap(err)
}

// Read returns the text of selector, or of the page body when selector is
// empty. timeout bounds the wait in the main frame; zero means 5s.
func (c *controller) Read(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(selector) == "" {
		val, err := c.page.InnerText("body")
		return val, wrap(err)
	}

	if timeout <= 0 {
		timeout = readWait
	}
	loc := c.page.Locator(selector).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err == nil {
		if val, err := loc.InnerText(); err == nil && strings.TrimSpace(val) != "" {
			return val, nil
		}
	}

	// iframes last
	for _, frame := range c.page.Frames() {
		if frame == c.page.MainFrame() {
			continue
		}
		floc := frame.Locator(selector).First()
		if err := floc.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(2000),
		}); err == nil {
			if val, err := floc.InnerText(); err == nil && strings.TrimSpace(val) != "" {
				return val, nil
			}
		}
	}
	return "", fmt.Errorf("element not found in any frame: %s", selector)
}

const scrollScript = `(args) => {
	const [dir, dist] = args;
	function isScrollable(el) {
		if (!el) return false;
		const s = window.getComputedStyle(el);
		return (s.overflowY === 'auto' || s.overflowY === 'scroll') && el.scrollHeight > el.clientHeight;
	}
	let target = null;
	let p = document.activeElement;
	while (p) {
		if (isScrollable(p)) { target = p; break; }
		p = p.parentElement;
	}
	if (!target) {
		for (const n of document.querySelectorAll('main,[role="main"],section,div')) {
			if (isScrollable(n)) { target = n; break; }
		}
	}
	if (!target) target = document.scrollingElement || document.documentElement;
	const d = (dir || 'down').toLowerCase();
	if (d === 'top') { target.scrollTop = 0; return 0; }
	if (d === 'bottom') { target.scrollTop = target.scrollHeight; return target.scrollTop; }
	let move = Number(dist) || 600;
	if (d === 'up' || d === 'page_up') move = -move;
	if (d === 'page_up' || d === 'page_down') move *= 2;
	target.scrollBy({top: move, left: 0, behavior: 'auto'});
	return target.scrollTop;
}`

func (c *controller) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if distance <= 0 {
		distance = defaultScrollAmount
		if vh, err := c.page.Evaluate(`() => window.innerHeight || 0`); err == nil {
			if n, ok := vh.(float64); ok && n > 0 {
				distance = int(n)
			}
		}
	}
	if _, err := c.page.Evaluate(scrollScript, []any{direction, distance}); err != nil {
		return 0, wrap(err)
	}
	return distance, nil
}

func (c *controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	return wrap(c.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
		State:   playwright.WaitForSelectorStateVisible,
	}))
}

// WaitForStableDOM waits for network idle and then for a short quiet period
// without DOM mutations.
func (c *controller) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}
	script := `() => new Promise((resolve) => {
		let timer;
		const observer = new MutationObserver(() => {
			clearTimeout(timer);
			timer = setTimeout(() => { observer.disconnect(); resolve(); }, 300);
		});
		observer.observe(document.body, {childList: true, subtree: true, attributes: true});
		timer = setTimeout(() => { observer.disconnect(); resolve(); }, 300);
	})`
	_, err := c.page.Evaluate(script)
	return wrap(err)
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
