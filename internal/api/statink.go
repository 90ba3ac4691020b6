package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/vmihailenco/msgpack/v5"

	"splatsync/internal/config"
	"splatsync/internal/constants"
	"splatsync/internal/domain"
)

// UploadResult is the statistics service's answer to one battle POST. The
// service signals "already exists" through the Location header and an old
// created_at, not through the status code, so both are preserved verbatim.
type UploadResult struct {
	StatusCode int
	Location   string
	CreatedAt  int64 // unix seconds; 0 when the response carried none
	Body       []byte
}

// StatInkClient talks to the statistics service: the bounded list of
// already-uploaded dedup keys, and the msgpack battle upload. Redirects are
// never followed; the Location header is inspected explicitly.
type StatInkClient struct {
	client *fasthttp.Client
	eps    Endpoints
	store  *config.Store
	logger zerolog.Logger
}

func NewStatInkClient(eps Endpoints, store *config.Store, logger zerolog.Logger) *StatInkClient {
	return &StatInkClient{client: newHTTPClient(), eps: eps, store: store, logger: logger}
}

// UUIDList fetches the already-uploaded dedup keys (bounded server-side, max
// 200 entries), once per sync session.
func (c *StatInkClient) UUIDList(ctx context.Context) ([]string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.eps.StatInk + "/api/v3/s3s/uuid-list")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+c.store.APIKey())

	if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
		return nil, fmt.Errorf("uploaded-list request: %w", err)
	}

	var uploads []string
	if err := json.Unmarshal(resp.Body(), &uploads); err != nil {
		return nil, fmt.Errorf("uploaded-list malformed (status %d): %s", resp.StatusCode(), resp.Body())
	}
	return uploads, nil
}

// PostBattle uploads one transcoded payload in the service's binary
// encoding. A malformed (non-JSON) response body is retried exactly once;
// everything else is returned as-is for the engine to interpret.
func (c *StatInkClient) PostBattle(ctx context.Context, payload domain.Payload) (UploadResult, error) {
	body, err := msgpack.Marshal(map[string]any(payload))
	if err != nil {
		return UploadResult{}, fmt.Errorf("encode payload: %w", err)
	}

	// Battle payloads run to a few hundred KB of raw JSON; allow more than
	// the default API deadline per attempt.
	ctx, cancel := context.WithTimeout(ctx, constants.UploadTimeout)
	defer cancel()

	var result UploadResult
	err = WithSingleRetry(ctx, func(ctx context.Context) error {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(c.eps.StatInk + "/api/v3/battle")
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+c.store.APIKey())
		req.Header.SetContentType("application/x-msgpack")
		req.SetBody(body)

		if err := doWithDeadline(ctx, c.client, req, resp); err != nil {
			return Retryable(fmt.Errorf("upload request: %w", err))
		}

		raw := make([]byte, len(resp.Body()))
		copy(raw, resp.Body())
		result = UploadResult{
			StatusCode: resp.StatusCode(),
			Location:   string(resp.Header.Peek("Location")),
			Body:       raw,
		}

		var parsed struct {
			CreatedAt struct {
				Time int64 `json:"time"`
			} `json:"created_at"`
		}
		if uerr := json.Unmarshal(raw, &parsed); uerr != nil {
			if resp.StatusCode() == fasthttp.StatusCreated {
				return Retryable(fmt.Errorf("malformed upload response: %s", raw))
			}
			return nil // non-201 errors carry arbitrary bodies
		}
		result.CreatedAt = parsed.CreatedAt.Time
		return nil
	})
	return result, err
}
