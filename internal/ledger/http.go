package ledger

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

// HTTPClient is a ledger gateway client:
//
//	GET  {base}/v1/transfers/{txId}   settled transfer, 404 while unknown
//	POST {base}/v1/transfers          submit a payout, Idempotency-Key = transfer id
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
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

// settlement is the ledger's view of one transaction.
type settlement struct {
	models.Transfer
	Confirmed bool `json:"confirmed"`
}

func (c *HTTPClient) deadline(ctx context.Context) (time.Duration, error) {
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return 0, ctx.Err()
		}
		if left < timeout {
			timeout = left
		}
	}
	return timeout, nil
}

func (c *HTTPClient) Confirm(ctx context.Context, t models.Transfer) error {
	if t.TxID == "" {
		return errs.ErrPaymentUnconfirmed
	}
	timeout, err := c.deadline(ctx)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/v1/transfers/" + url.PathEscape(t.TxID))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		logger.Warningf("ledger lookup %s: %v", t.TxID, err)
		return errors.Wrapf(errs.ErrLedgerUnavailable, "lookup %s: %v", t.TxID, err)
	}
	switch code := resp.StatusCode(); code {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return errs.ErrPaymentUnconfirmed
	default:
		return errors.Wrapf(errs.ErrLedgerUnavailable, "lookup %s: status %d", t.TxID, code)
	}

	var s settlement
	if err := json.Unmarshal(resp.Body(), &s); err != nil {
		return errors.Wrapf(errs.ErrLedgerUnavailable, "decode settlement %s: %v", t.TxID, err)
	}
	if !s.Confirmed || s.TxID != t.TxID || !s.Matches(t) {
		logger.Warningf("payment %s does not match its settlement", t.TxID)
		return errs.ErrPaymentUnconfirmed
	}
	return nil
}

func (c *HTTPClient) Pay(ctx context.Context, t models.Transfer) error {
	timeout, err := c.deadline(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode payout")
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/v1/transfers")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", t.ID)
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return errors.Wrapf(err, "submit payout %s", t.ID)
	}
	switch code := resp.StatusCode(); code {
	case fasthttp.StatusOK, fasthttp.StatusCreated, fasthttp.StatusAccepted, fasthttp.StatusConflict:
		// 409 means the ledger already holds this payout
		return nil
	default:
		return errors.Errorf("submit payout %s: status %d", t.ID, code)
	}
}
