package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"splatsync/internal/config"
	"splatsync/internal/constants"
)

// Signature is the response of the external signing service: the f value
// plus the request id and timestamp that must accompany it downstream.
type Signature struct {
	F         string `json:"f"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
}

// SigningClient wraps the opaque f-token signing service. A bad signature
// corrupts every downstream token, so any transport error, non-2xx status
// or missing field aborts the whole derivation with the raw body attached.
type SigningClient struct {
	client *fasthttp.Client
	store  *config.Store
	logger zerolog.Logger
}

func NewSigningClient(store *config.Store, logger zerolog.Logger) *SigningClient {
	return &SigningClient{
		client: newHTTPClient(),
		store:  store,
		logger: logger,
	}
}

// Sign exchanges an id token for a signature. step selects the hash method
// the remote signer applies (1 for the account login hop, 2 for the web
// service token hop); it is opaque to us.
func (c *SigningClient) Sign(ctx context.Context, idToken string, step int) (Signature, error) {
	body, err := json.Marshal(map[string]any{
		"token":       idToken,
		"hash_method": step,
	})
	if err != nil {
		return Signature{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	// The public signer is slow under load; give it more room than the
	// vendor APIs get.
	ctx, cancel := context.WithTimeout(ctx, constants.SigningAPITimeout)
	defer cancel()

	url := c.store.SigningURL()
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("User-Agent", constants.AgentName+"/"+constants.AgentVersion)
	req.Header.SetContentType("application/json; charset=utf-8")
	req.SetBody(body)

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return Signature{}, fmt.Errorf("signing service unreachable (%s): %w", url, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return Signature{}, fmt.Errorf("signing service error %d: %s", resp.StatusCode(), resp.Body())
	}

	var sig Signature
	if err := json.Unmarshal(resp.Body(), &sig); err != nil {
		return Signature{}, fmt.Errorf("signing service returned malformed body: %s", resp.Body())
	}
	if sig.F == "" || sig.RequestID == "" {
		return Signature{}, fmt.Errorf("signing service response missing fields: %s", resp.Body())
	}

	c.logger.Debug().Int("step", step).Str("request_id", sig.RequestID).Msg("signature obtained")
	return sig, nil
}
