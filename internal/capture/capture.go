// Package capture drives a Chrome instance to a media page and sniffs the
// network traffic for the HLS playlist URL the player requests.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/lvcoi/mediaspace-dl/internal/downloader"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultLinger  = 3 * time.Second
)

// DefaultPattern matches playlist requests.
var DefaultPattern = regexp.MustCompile(`(?i)\.m3u8`)

// ErrTimeout means no matching request was seen before the deadline.
var ErrTimeout = errors.New("no playlist request seen before the timeout")

type Options struct {
	Timeout time.Duration
	// Linger keeps the page open after the first match so later requests are logged too.
	Linger      time.Duration
	ShowBrowser bool
	Pattern     *regexp.Regexp
	ExecPath    string
	UserAgent   string
	Logger      *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Linger < 0 {
		o.Linger = 0
	}
	if o.Pattern == nil {
		o.Pattern = DefaultPattern
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	return o
}

// playScript clicks the first visible play control it knows about, then
// starts any <video> element directly. It returns what it did.
const playScript = `(function () {
	var selectors = [
		'button[aria-label*="Play"]',
		'button[aria-label*="play"]',
		'.play-button',
		'.vjs-big-play-button',
		'button.vjs-play-control',
		'[class*="play"]'
	];
	var clicked = "";
	for (var i = 0; i < selectors.length; i++) {
		var el = document.querySelector(selectors[i]);
		if (el) {
			try { el.click(); clicked = selectors[i]; break; } catch (e) {}
		}
	}
	var video = document.querySelector("video");
	if (video) {
		try { video.muted = true; video.play(); clicked = clicked || "video"; } catch (e) {}
	}
	return clicked;
})();`

// Capture opens pageURL, tries to start playback and returns the first
// request URL matching opts.Pattern.
func Capture(ctx context.Context, pageURL string, opts Options) (string, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.ShowBrowser),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("mute-audio", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	found := newCollector(opts.Pattern)
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		var url string
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			url = e.Request.URL
		case *network.EventResponseReceived:
			url = e.Response.URL
		default:
			return
		}
		if found.observe(url) {
			logger.Info("playlist request seen", "url", url)
		}
	})

	// launch the browser on the long-lived context so the timeout below does not kill it
	if err := chromedp.Run(browserCtx); err != nil {
		return "", captureError(fmt.Errorf("starting browser (is Chrome installed? try --chrome-path): %w", err))
	}

	runCtx, cancelRun := context.WithTimeout(browserCtx, opts.Timeout)
	defer cancelRun()

	logger.Info("loading page", "url", pageURL)
	if err := chromedp.Run(runCtx,
		network.Enable(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil && found.first() == "" {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if runCtx.Err() == nil {
			return "", captureError(fmt.Errorf("loading page: %w", err))
		}
	}

	var clicked string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(playScript, &clicked)); err != nil {
		logger.Debug("could not start playback", "err", err)
	} else if clicked != "" {
		logger.Info("started playback", "via", clicked)
	}

	logger.Info("waiting for playlist request", "timeout", opts.Timeout)
	select {
	case <-found.done:
	case <-runCtx.Done():
	}

	url := found.first()
	if url == "" {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", captureError(fmt.Errorf("%w (%s)", ErrTimeout, opts.Timeout))
	}

	if opts.Linger > 0 {
		select {
		case <-time.After(opts.Linger):
		case <-ctx.Done():
		}
	}
	if rest := found.all(); len(rest) > 1 {
		logger.Debug("more playlist requests seen", "count", len(rest)-1)
		for _, other := range rest[1:] {
			logger.Debug("also seen", "url", other)
		}
	}
	return url, nil
}

func captureError(err error) error {
	return downloader.CategorizedError{Category: downloader.CategoryCapture, Err: err}
}

// collector records matching URLs in the order they were first seen.
type collector struct {
	pattern *regexp.Regexp

	mu   sync.Mutex
	seen map[string]struct{}
	urls []string
	done chan struct{}
}

func newCollector(pattern *regexp.Regexp) *collector {
	return &collector{
		pattern: pattern,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// observe reports whether url is a new match. The first match closes done.
func (c *collector) observe(url string) bool {
	if url == "" || !c.pattern.MatchString(url) {
		return false
	}
	if strings.HasPrefix(url, "data:") {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[url]; ok {
		return false
	}
	c.seen[url] = struct{}{}
	c.urls = append(c.urls, url)
	if len(c.urls) == 1 {
		close(c.done)
	}
	return true
}

func (c *collector) first() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.urls) == 0 {
		return ""
	}
	return c.urls[0]
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}
