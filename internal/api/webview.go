package api

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/html"

	"splatsync/internal/config"
	"splatsync/internal/constants"
)

// FallbackWebViewVersion is used whenever the scrape fails; a stale version
// header degrades gracefully server-side.
const FallbackWebViewVersion = "1.0.0-5644e7a2"

var webViewPattern = regexp.MustCompile(`(?s)\b([0-9a-f]{40})\b.*revision_info_not_set"\),.*?="(\d+\.\d+\.\d+)`)

// WebViewVersionCache scrapes the vendor web app for its current version
// string ("<semver>-<revision[:8]>") and caches it for a TTL.
type WebViewVersionCache struct {
	client *fasthttp.Client
	eps    Endpoints
	store  *config.Store
	logger zerolog.Logger

	mu      sync.Mutex
	value   string
	expires time.Time
}

func NewWebViewVersionCache(eps Endpoints, store *config.Store, logger zerolog.Logger) *WebViewVersionCache {
	return &WebViewVersionCache{client: newHTTPClient(), eps: eps, store: store, logger: logger}
}

// Get returns the cached version, scraping when stale. It never fails; the
// fallback constant is returned when the scrape does not pan out.
func (c *WebViewVersionCache) Get(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" && time.Now().Before(c.expires) {
		return c.value
	}

	v, err := c.scrape(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("web view version scrape failed, using fallback")
		v = FallbackWebViewVersion
	}
	c.value = v
	c.expires = time.Now().Add(constants.WebViewVersionTTL)
	return v
}

func (c *WebViewVersionCache) scrape(ctx context.Context) (string, error) {
	home, _, err := c.get(ctx, c.eps.SplatNet, "document")
	if err != nil {
		return "", err
	}

	src := findStaticScript(home)
	if src == "" {
		return "", errNoScript
	}

	js, _, err := c.get(ctx, c.eps.SplatNet+src, "script")
	if err != nil {
		return "", err
	}

	m := webViewPattern.FindSubmatch(js)
	if m == nil {
		return "", errNoVersion
	}
	revision, version := string(m[1]), string(m[2])
	return version + "-" + revision[:8], nil
}

func (c *WebViewVersionCache) get(ctx context.Context, uri, dest string) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("User-Agent", c.store.UserAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-Requested-With", "com.nintendo.znca")
	req.Header.Set("Sec-Fetch-Dest", dest)
	req.Header.SetCookie("_gtoken", c.store.GameWebToken())
	req.Header.SetCookie("_dnt", "1")

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return nil, 0, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, resp.StatusCode(), errBadStatus
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, resp.StatusCode(), nil
}

// findStaticScript walks the home page DOM for the bundled main.js
// reference (a script tag whose src contains "static").
func findStaticScript(page []byte) string {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return ""
	}
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "script" {
			for _, a := range n.Attr {
				if a.Key == "src" && strings.Contains(a.Val, "static") {
					return a.Val
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if src := walk(child); src != "" {
				return src
			}
		}
		return ""
	}
	return walk(doc)
}

type scrapeError string

func (e scrapeError) Error() string { return string(e) }

const (
	errNoScript  = scrapeError("no static script tag on home page")
	errNoVersion = scrapeError("version pattern not found in main.js")
	errBadStatus = scrapeError("unexpected status")
)
