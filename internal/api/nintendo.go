package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

const (
	loginClientID  = "71b963c1b7b6d119"
	loginRedirect  = "npf71b963c1b7b6d119://auth"
	loginScope     = "openid user user.birthday user.mii user.screenName"
	webServiceID   = 4834290508791808
	sessionGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer-session-token"
	mobileUA       = "Dalvik/2.1.0 (Linux; U; Android 7.1.2)"
	accountsSDKUA  = "NASDKAPI; Android"
	gameServiceUAf = "com.nintendo.znca/%s(Android/7.1.2)"
)

// TokenPair is the login provider's session-token exchange result.
type TokenPair struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
}

// Profile is the account profile consumed by the token pipeline.
type Profile struct {
	Nickname string `json:"nickname"`
	Language string `json:"language"`
	Country  string `json:"country"`
	Birthday string `json:"birthday"`
}

// LoginParameter carries one signed hop of the vendor exchange.
type LoginParameter struct {
	Signature Signature
	IDToken   string
	Profile   Profile
}

// NintendoClient talks to the login provider and the vendor game-service
// API. The two vendor hops are each retried exactly once before the raw
// server response is surfaced for diagnosis.
type NintendoClient struct {
	client *fasthttp.Client
	eps    Endpoints
	logger zerolog.Logger
}

func NewNintendoClient(eps Endpoints, logger zerolog.Logger) *NintendoClient {
	return &NintendoClient{client: newHTTPClient(), eps: eps, logger: logger}
}

// AuthorizeURL builds the browser authorization URL for the PKCE flow and
// resolves the provider's initial redirect. The challenge travels only in
// hashed form.
func (c *NintendoClient) AuthorizeURL(ctx context.Context, state, challenge string) (string, error) {
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", loginRedirect)
	q.Set("client_id", loginClientID)
	q.Set("scope", loginScope)
	q.Set("response_type", "session_token_code")
	q.Set("session_token_code_challenge", challenge)
	q.Set("session_token_code_challenge_method", "S256")
	q.Set("theme", "login_form")

	authURL := c.eps.Accounts + "/connect/1.0.0/authorize?" + q.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(authURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	// The composed URL is valid on its own; the probe only chases the
	// provider's redirect when it is reachable.
	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		c.logger.Debug().Err(err).Msg("authorize redirect probe failed, using composed url")
		return authURL, nil
	}
	if loc := string(resp.Header.Peek("Location")); loc != "" {
		return loc, nil
	}
	return authURL, nil
}

// SessionToken trades the pasted session-token code plus the PKCE verifier
// for the long-lived login session token.
func (c *NintendoClient) SessionToken(ctx context.Context, appVersion, code, verifier string) (string, error) {
	form := url.Values{}
	form.Set("client_id", loginClientID)
	form.Set("session_token_code", code)
	form.Set("session_token_code_verifier", verifier)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.eps.Accounts + "/connect/1.0.0/api/session_token")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("User-Agent", "OnlineLounge/"+appVersion+" NASDKAPI Android")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept", "application/json")
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form.Encode())

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return "", fmt.Errorf("session token request: %w", err)
	}

	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.SessionToken == "" {
		return "", fmt.Errorf("session token exchange failed: %s", resp.Body())
	}
	return out.SessionToken, nil
}

// IDTokens exchanges the session token for an id token and access token.
func (c *NintendoClient) IDTokens(ctx context.Context, sessionToken string) (TokenPair, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":     loginClientID,
		"session_token": sessionToken,
		"grant_type":    sessionGrant,
	})

	raw, status, err := c.postJSON(ctx, c.eps.Accounts+"/connect/1.0.0/api/token", body, map[string]string{
		"User-Agent": mobileUA,
		"Accept":     "application/json",
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("token request: %w", err)
	}

	var pair TokenPair
	if uerr := json.Unmarshal(raw, &pair); uerr != nil || pair.AccessToken == "" || pair.IDToken == "" {
		return TokenPair{}, fmt.Errorf("token exchange failed (status %d): %s", status, raw)
	}
	return pair, nil
}

// UserProfile fetches the account profile (locale, country, birthday) with
// the access token.
func (c *NintendoClient) UserProfile(ctx context.Context, accessToken string) (Profile, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.eps.AccountsAPI + "/2.0.0/users/me")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("User-Agent", accountsSDKUA)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return Profile{}, fmt.Errorf("profile request: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(resp.Body(), &p); err != nil || p.Language == "" {
		return Profile{}, fmt.Errorf("profile fetch failed (status %d): %s", resp.StatusCode(), resp.Body())
	}
	return p, nil
}

// AccountLogin performs the first vendor hop, laundering the signed id
// token into a web-api credential. Retried exactly once.
func (c *NintendoClient) AccountLogin(ctx context.Context, appVersion string, p LoginParameter) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"parameter": map[string]any{
			"f":          p.Signature.F,
			"language":   p.Profile.Language,
			"naBirthday": p.Profile.Birthday,
			"naCountry":  p.Profile.Country,
			"naIdToken":  p.IDToken,
			"requestId":  p.Signature.RequestID,
			"timestamp":  p.Signature.Timestamp,
		},
	})

	var token string
	err := WithSingleRetry(ctx, func(ctx context.Context) error {
		raw, status, err := c.postJSON(ctx, c.eps.GameService+"/v3/Account/Login", body, c.gameHeaders(appVersion, ""))
		if err != nil {
			return Retryable(fmt.Errorf("account login request: %w", err))
		}

		var out struct {
			Result struct {
				WebAPIServerCredential struct {
					AccessToken string `json:"accessToken"`
				} `json:"webApiServerCredential"`
			} `json:"result"`
		}
		if uerr := json.Unmarshal(raw, &out); uerr != nil || out.Result.WebAPIServerCredential.AccessToken == "" {
			return Retryable(fmt.Errorf("account login failed (status %d): %s", status, raw))
		}
		token = out.Result.WebAPIServerCredential.AccessToken
		return nil
	})
	return token, err
}

// WebServiceToken performs the second vendor hop, producing the vendor
// scoped game web token. Retried exactly once.
func (c *NintendoClient) WebServiceToken(ctx context.Context, appVersion, credential string, sig Signature) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"parameter": map[string]any{
			"f":                 sig.F,
			"id":                webServiceID,
			"registrationToken": credential,
			"requestId":         sig.RequestID,
			"timestamp":         sig.Timestamp,
		},
	})

	var token string
	err := WithSingleRetry(ctx, func(ctx context.Context) error {
		raw, status, err := c.postJSON(ctx, c.eps.GameService+"/v2/Game/GetWebServiceToken", body, c.gameHeaders(appVersion, credential))
		if err != nil {
			return Retryable(fmt.Errorf("web service token request: %w", err))
		}

		var out struct {
			Result struct {
				AccessToken string `json:"accessToken"`
			} `json:"result"`
		}
		if uerr := json.Unmarshal(raw, &out); uerr != nil || out.Result.AccessToken == "" {
			return Retryable(fmt.Errorf("web service token failed (status %d): %s", status, raw))
		}
		token = out.Result.AccessToken
		return nil
	})
	return token, err
}

func (c *NintendoClient) gameHeaders(appVersion, bearer string) map[string]string {
	h := map[string]string{
		"X-Platform":       "Android",
		"X-ProductVersion": appVersion,
		"User-Agent":       fmt.Sprintf(gameServiceUAf, appVersion),
	}
	if bearer != "" {
		h["Authorization"] = "Bearer " + bearer
	}
	return h
}

func (c *NintendoClient) postJSON(ctx context.Context, uri string, body []byte, headers map[string]string) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json; charset=utf-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return nil, 0, err
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, resp.StatusCode(), nil
}
