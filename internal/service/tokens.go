package service

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"splatsync/internal/api"
	"splatsync/internal/config"
	"splatsync/internal/constants"
)

// SkipSentinel opts out of automatic token generation; a stored session
// token equal to it routes every refresh through manual entry.
const SkipSentinel = "skip"

// ErrAuthExpired means the pasted authorization URL's window has closed and
// the operator must restart the login.
var ErrAuthExpired = errors.New("authorization window expired, log out and back in and retry")

var sessionCodePattern = regexp.MustCompile(`de=(.*)&`)

// PKCE is one authorization-code exchange's proof pair. The verifier never
// leaves the process before the final exchange; only the SHA-256 challenge
// is transmitted.
type PKCE struct {
	State     string
	Verifier  string
	Challenge string
}

func NewPKCE() (PKCE, error) {
	stateRaw := make([]byte, 36)
	if _, err := rand.Read(stateRaw); err != nil {
		return PKCE{}, err
	}
	verifierRaw := make([]byte, 32)
	if _, err := rand.Read(verifierRaw); err != nil {
		return PKCE{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierRaw)
	sum := sha256.Sum256([]byte(verifier))
	return PKCE{
		State:     base64.RawURLEncoding.EncodeToString(stateRaw),
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// TokenPipeline drives the session token -> access/id token -> game web
// token -> bullet token chain and repairs expiry. Refresh only ever runs as
// a pre-step before a fetch batch, never concurrently with one.
type TokenPipeline struct {
	store    *config.Store
	nintendo *api.NintendoClient
	splatnet *api.SplatNetClient
	signing  *api.SigningClient
	appVer   *api.AppVersionCache
	webView  *api.WebViewVersionCache
	logger   zerolog.Logger

	in  *bufio.Reader
	out io.Writer
}

func NewTokenPipeline(
	store *config.Store,
	nintendo *api.NintendoClient,
	splatnet *api.SplatNetClient,
	signing *api.SigningClient,
	appVer *api.AppVersionCache,
	webView *api.WebViewVersionCache,
	logger zerolog.Logger,
) *TokenPipeline {
	return &TokenPipeline{
		store:    store,
		nintendo: nintendo,
		splatnet: splatnet,
		signing:  signing,
		appVer:   appVer,
		webView:  webView,
		logger:   logger,
		in:       bufio.NewReader(os.Stdin),
		out:      os.Stdout,
	}
}

// SetIO redirects operator interaction. Used by tests.
func (p *TokenPipeline) SetIO(in io.Reader, out io.Writer) {
	p.in = bufio.NewReader(in)
	p.out = out
}

// EnsureFresh probes token validity with a cheap authenticated query and
// regenerates whichever derived tokens are missing or stale. The login
// session token is preferred over a full re-login whenever it is present.
func (p *TokenPipeline) EnsureFresh(ctx context.Context, printout bool) error {
	if printout {
		fmt.Fprintln(p.out, "Validating your tokens...")
	}
	if p.store.SessionToken() == "" || p.store.GameWebToken() == "" || p.store.BulletToken() == "" {
		fmt.Fprintln(p.out, "Blank token(s).")
		return p.Regenerate(ctx)
	}

	_, status, err := p.splatnet.Query(ctx, "HomeQuery", "", nil)
	if err != nil || status != 200 {
		fmt.Fprintln(p.out, "The stored tokens have expired.")
		return p.Regenerate(ctx)
	}
	if printout {
		fmt.Fprintln(p.out, "Validating your tokens... done.")
	}
	return nil
}

// Regenerate rebuilds the derived tokens, running the interactive login
// only when no session token exists at all.
func (p *TokenPipeline) Regenerate(ctx context.Context) error {
	manual := false

	switch p.store.SessionToken() {
	case "":
		fmt.Fprintln(p.out, "Please log in to your account to obtain your session token.")
		token, err := p.LogIn(ctx)
		if err != nil {
			return err
		}
		if token == SkipSentinel {
			manual = true
		} else {
			fmt.Fprintln(p.out, "Wrote session token to the credential file.")
		}
		if err := p.store.Set("session_token", token); err != nil {
			return err
		}
	case SkipSentinel:
		manual = true
	}

	data := p.store.Data()
	if manual {
		fmt.Fprintln(p.out, "You have opted against automatic token generation and must manually input your tokens.")
		gtoken, bullet, err := p.enterTokens()
		if err != nil {
			return err
		}
		data["gtoken"] = gtoken
		data["bullettoken"] = bullet
		if data["acc_loc"] == "" {
			data["acc_loc"] = "en-US|US"
			fmt.Fprintln(p.out, "Using `en-US` for language and `US` for country by default. These can be changed in the credential file.")
		}
	} else {
		fmt.Fprintln(p.out, "Attempting to generate new tokens...")
		gtoken, profile, err := p.deriveGameWebToken(ctx)
		if err != nil {
			return err
		}
		bullet, err := p.deriveBulletToken(ctx, gtoken, profile.Language, profile.Country)
		if err != nil {
			return err
		}
		data["gtoken"] = gtoken // valid for roughly two hours
		data["bullettoken"] = bullet
		data["acc_loc"] = profile.Language + "|" + profile.Country
		fmt.Fprintf(p.out, "Wrote tokens for %s to the credential file.\n", profile.Nickname)
	}
	return p.store.SetAll(data)
}

// LogIn runs the interactive PKCE authorization: print the URL, loop on the
// pasted callback, exchange the code. Returns SkipSentinel when the
// operator opts out.
func (p *TokenPipeline) LogIn(ctx context.Context) (string, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return "", err
	}

	loginURL, err := p.nintendo.AuthorizeURL(ctx, pkce.State, pkce.Challenge)
	if err != nil {
		return "", err
	}

	fmt.Fprintln(p.out, "\nNavigate to this URL in your browser:")
	fmt.Fprintln(p.out, loginURL)
	fmt.Fprintln(p.out, `Log in, right click the "Select this account" button, copy the link address, and paste it below. To manually input tokens instead, enter "skip".`)

	for {
		line, err := p.readLine()
		if err != nil {
			return "", err
		}
		if line == SkipSentinel {
			return SkipSentinel, nil
		}
		m := sessionCodePattern.FindStringSubmatch(line)
		if m == nil {
			fmt.Fprintln(p.out, "Malformed URL. Please try again, or press Ctrl+C to exit.")
			continue
		}
		token, err := p.nintendo.SessionToken(ctx, p.appVer.Get(ctx), m[1], pkce.Verifier)
		if err != nil {
			p.logger.Error().Err(err).Msg("session token exchange failed")
			return "", ErrAuthExpired
		}
		return token, nil
	}
}

// deriveGameWebToken runs the 3-hop exchange that launders the id token
// into a vendor-scoped web service token.
func (p *TokenPipeline) deriveGameWebToken(ctx context.Context) (string, api.Profile, error) {
	appVersion := p.appVer.Get(ctx)

	pair, err := p.nintendo.IDTokens(ctx, p.store.SessionToken())
	if err != nil {
		return "", api.Profile{}, err
	}

	profile, err := p.nintendo.UserProfile(ctx, pair.AccessToken)
	if err != nil {
		return "", api.Profile{}, err
	}

	sig1, err := p.signing.Sign(ctx, pair.IDToken, 1)
	if err != nil {
		return "", api.Profile{}, err
	}
	credential, err := p.nintendo.AccountLogin(ctx, appVersion, api.LoginParameter{
		Signature: sig1,
		IDToken:   pair.IDToken,
		Profile:   profile,
	})
	if err != nil {
		return "", api.Profile{}, err
	}

	sig2, err := p.signing.Sign(ctx, credential, 2)
	if err != nil {
		return "", api.Profile{}, err
	}
	gtoken, err := p.nintendo.WebServiceToken(ctx, appVersion, credential, sig2)
	if err != nil {
		return "", api.Profile{}, err
	}

	p.logger.Info().Str("nickname", profile.Nickname).Msg("game web token derived")
	return gtoken, profile, nil
}

// deriveBulletToken trades a valid game web token for a bullet token. The
// documented status codes are fatal; an undocumented non-200 soft-fails
// with an empty token so the caller can decide.
func (p *TokenPipeline) deriveBulletToken(ctx context.Context, gameWebToken, lang, country string) (string, error) {
	status, body, err := p.splatnet.BulletTokens(ctx, gameWebToken, p.webView.Get(ctx), lang, country)
	if err != nil {
		return "", err
	}

	switch status {
	case 401:
		return "", fmt.Errorf("unauthorized (ERROR_INVALID_GAME_WEB_TOKEN): %s", body)
	case 403:
		return "", fmt.Errorf("forbidden (ERROR_OBSOLETE_VERSION): %s", body)
	case 204:
		return "", errors.New("cannot access the data API without having played online")
	}

	var out struct {
		BulletToken string `json:"bulletToken"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.BulletToken == "" {
		p.logger.Warn().Int("status", status).Msg("bullet token response not usable")
		return "", nil
	}
	return out.BulletToken, nil
}

// enterTokens prompts for manually extracted tokens, validating only the
// expected fixed lengths.
func (p *TokenPipeline) enterTokens() (gtoken, bullet string, err error) {
	fmt.Fprint(p.out, "Enter your game web token: ")
	for {
		line, rerr := p.readLine()
		if rerr != nil {
			return "", "", rerr
		}
		if len(line) == constants.GameWebTokenLength {
			gtoken = line
			break
		}
		fmt.Fprintf(p.out, "Invalid token - length should be %d characters. Try again.\nEnter your game web token: ", constants.GameWebTokenLength)
	}

	fmt.Fprint(p.out, "Enter your bullet token: ")
	for {
		line, rerr := p.readLine()
		if rerr != nil {
			return "", "", rerr
		}
		if normalized, ok := NormalizeBulletToken(line); ok {
			bullet = normalized
			break
		}
		fmt.Fprintf(p.out, "Invalid token - length should be %d characters. Try again.\nEnter your bullet token: ", constants.BulletTokenLength)
	}
	return gtoken, bullet, nil
}

// NormalizeBulletToken accepts a bullet token of the expected length, and
// auto-corrects the common copy mistake of dropping the trailing padding
// character.
func NormalizeBulletToken(token string) (string, bool) {
	if len(token) == constants.BulletTokenLength {
		return token, true
	}
	if len(token) == constants.BulletTokenLength-1 && !strings.HasSuffix(token, "=") {
		return token + "=", true
	}
	return "", false
}

func (p *TokenPipeline) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
