package oracle

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

// HTTPClient queries an oracle gateway over HTTP:
//
//	GET {base}/v1/get/{round as 8-byte hex}/{account hex}
//
// The response body is the raw envelope.
type HTTPClient struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		client: &fasthttp.Client{
			Name:                "prizedraw",
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
		baseURL: baseURL,
		timeout: timeout,
	}
}

func (c *HTTPClient) Get(ctx context.Context, ref string, round uint64, account []byte) ([]byte, error) {
	base := ref
	if base == "" {
		base = c.baseURL
	}
	if base == "" {
		return nil, errors.New("oracle: no endpoint configured")
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return nil, ctx.Err()
		}
		if left < timeout {
			timeout = left
		}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(base, "/") + "/v1/get/" + EncodeRound(round) + "/" + hex.EncodeToString(account))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/octet-stream")

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, errors.Wrapf(err, "oracle request round %d", round)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, errors.Errorf("oracle round %d: status %d", round, code)
	}
	return append([]byte(nil), resp.Body()...), nil
}
