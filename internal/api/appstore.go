package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/html"

	"splatsync/internal/constants"
)

// FallbackAppVersion is the last known mobile-app version, used when the
// store listing cannot be scraped.
const FallbackAppVersion = "2.2.0"

// AppVersionCache scrapes the app-store listing for the current mobile-app
// version, which the login provider expects in several User-Agent headers.
type AppVersionCache struct {
	client *fasthttp.Client
	eps    Endpoints
	logger zerolog.Logger

	mu      sync.Mutex
	value   string
	expires time.Time
}

func NewAppVersionCache(eps Endpoints, logger zerolog.Logger) *AppVersionCache {
	return &AppVersionCache{client: newHTTPClient(), eps: eps, logger: logger}
}

// Get returns the cached app version, scraping when stale. Never fails.
func (c *AppVersionCache) Get(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" && time.Now().Before(c.expires) {
		return c.value
	}

	v, err := c.scrape(ctx)
	if err != nil || v == "" {
		c.logger.Debug().Err(err).Msg("app version scrape failed, using fallback")
		v = FallbackAppVersion
	}
	c.value = v
	c.expires = time.Now().Add(constants.WebViewVersionTTL)
	return v
}

func (c *AppVersionCache) scrape(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.eps.AppStore)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return "", err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", errBadStatus
	}
	return findLatestVersion(resp.Body()), nil
}

// findLatestVersion pulls the text of the "what's new" version element.
func findLatestVersion(page []byte) string {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return ""
	}
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "p" {
			for _, a := range n.Attr {
				if a.Key == "class" && strings.Contains(a.Val, "whats-new__latest__version") {
					return strings.TrimSpace(strings.ReplaceAll(nodeText(n), "Version ", ""))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if v := walk(child); v != "" {
				return v
			}
		}
		return ""
	}
	return walk(doc)
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			sb.WriteString(child.Data)
		}
	}
	return sb.String()
}
