package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"splatsync/internal/config"
)

// QueryHash maps named GraphQL queries to their persisted-query content
// hashes. The vendor API accepts only these hashes, never literal query
// text.
var QueryHash = map[string]string{
	"HomeQuery":                    "dba47124d5ec3090c97ba17db5d2f4b3",
	"LatestBattleHistoriesQuery":   "7d8b560e31617e981cf7c8aa1ca13a00",
	"RegularBattleHistoriesQuery":  "f6e7e0277e03ff14edfef3b41f70cd33",
	"BankaraBattleHistoriesQuery":  "c1553ac75de0a3ea497cdbafaa93e95b",
	"XBattleHistoriesQuery":        "d62ec65b297968b659103d8dc95d014d",
	"PrivateBattleHistoriesQuery":  "38e0529de8bc77189504d26c7a14e0b8",
	"VsHistoryDetailQuery":         "2b085984f729cd51938fc069ceef784a",
	"CoopHistoryQuery":             "817618ce39bcf5570f52a97d73301b30",
	"CoopHistoryDetailQuery":       "f3799a033f0a7ad4b1b396f9a3bafb1e",
}

// SplatNetClient issues persisted-query GraphQL requests against the vendor
// data API. Every call carries the bearer bullet token plus the game web
// token as a session cookie; headers are rebuilt per call so a refreshed
// token is picked up immediately.
type SplatNetClient struct {
	client  *fasthttp.Client
	eps     Endpoints
	store   *config.Store
	webView *WebViewVersionCache
	logger  zerolog.Logger
}

func NewSplatNetClient(eps Endpoints, store *config.Store, webView *WebViewVersionCache, logger zerolog.Logger) *SplatNetClient {
	return &SplatNetClient{
		client:  newHTTPClient(),
		eps:     eps,
		store:   store,
		webView: webView,
		logger:  logger,
	}
}

func graphqlBody(hash, varName string, varValue any) ([]byte, error) {
	vars := map[string]any{}
	if varName != "" {
		vars[varName] = varValue
	}
	return json.Marshal(map[string]any{
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"sha256Hash": hash,
				"version":    1,
			},
		},
		"variables": vars,
	})
}

// Query posts one named persisted query. varName may be empty for queries
// with blank variables.
func (c *SplatNetClient) Query(ctx context.Context, name, varName string, varValue any) ([]byte, int, error) {
	hash, ok := QueryHash[name]
	if !ok {
		return nil, 0, fmt.Errorf("unknown query %q", name)
	}
	body, err := graphqlBody(hash, varName, varValue)
	if err != nil {
		return nil, 0, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.eps.SplatNet + "/api/graphql")
	req.Header.SetMethod(fasthttp.MethodPost)
	c.applyHeaders(ctx, req)
	req.SetBody(body)

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", name, err)
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, resp.StatusCode(), nil
}

// applyHeaders rebuilds the dynamic request headers from the credential
// store: bullet token, locale, user agent and the scraped web-view version.
func (c *SplatNetClient) applyHeaders(ctx context.Context, req *fasthttp.Request) {
	lang, country := c.store.Locale()
	req.Header.Set("Authorization", "Bearer "+c.store.BulletToken())
	req.Header.Set("Accept-Language", lang)
	req.Header.Set("User-Agent", c.store.UserAgent())
	req.Header.Set("X-Web-View-Ver", c.webView.Get(ctx))
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", c.eps.SplatNet)
	req.Header.Set("X-Requested-With", "com.nintendo.znca")
	req.Header.Set("Referer", fmt.Sprintf("%s/?lang=%s&na_country=%s&na_lang=%s", c.eps.SplatNet, lang, country, lang))
	req.Header.SetCookie("_gtoken", c.store.GameWebToken())
}

// BulletTokens posts to the bullet-token endpoint with the game web token
// cookie and returns the raw status and body; the pipeline maps the status
// codes.
func (c *SplatNetClient) BulletTokens(ctx context.Context, gameWebToken, webViewVer, lang, country string) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.eps.SplatNet + "/api/bullet_tokens")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept-Language", lang)
	req.Header.Set("User-Agent", c.store.UserAgent())
	req.Header.Set("X-Web-View-Ver", webViewVer)
	req.Header.Set("X-NACOUNTRY", country)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Origin", c.eps.SplatNet)
	req.Header.Set("X-Requested-With", "com.nintendo.znca")
	req.Header.SetCookie("_gtoken", gameWebToken)

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return 0, nil, fmt.Errorf("bullet token request: %w", err)
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}
