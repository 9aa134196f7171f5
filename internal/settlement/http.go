package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/resilience"
)

// HTTPConfig configures an HTTPGateway.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
	Client  *http.Client
}

// HTTPGateway talks to a settlement service over a small REST protocol:
//
//	POST /payments              pay, keyed by the Idempotency-Key header
//	GET  /payments/{reference}  reconciliation lookup
//	GET  /accounts/{address}    existence and balances
//
// Reads are retried with backoff. Pay is never retried here: a lost answer
// is reported as a timeout and resolved through Lookup.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway validates cfg and returns a gateway client.
func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("settlement base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse settlement base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	retry := cfg.Retry
	if retry.InitialBackoff == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// BreakerState exposes the circuit state for health reporting.
func (g *HTTPGateway) BreakerState() resilience.CircuitState {
	return g.breaker.State()
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("settlement gateway returned %d: %s", e.code, e.body)
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	if err := g.breaker.Allow(); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.breaker.RecordFailure(err)
		if notSent(err) {
			return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		// The request may have reached the ledger before the connection broke.
		return 0, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.breaker.RecordFailure(err)
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrTimeout, err)
	}
	if resp.StatusCode >= 500 {
		g.breaker.RecordFailure(&statusError{code: resp.StatusCode})
	} else {
		g.breaker.RecordSuccess()
	}
	return resp.StatusCode, respBody, nil
}

// notSent reports transport errors raised before any byte of the request
// left this process: DNS resolution and connection setup.
func notSent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func retryableRead(err error) bool {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) {
		return !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, context.Canceled)
	}
	var se *statusError
	return errors.As(err, &se) && se.code >= 500
}

func (g *HTTPGateway) read(ctx context.Context, path string) (int, []byte, error) {
	var (
		code int
		body []byte
	)
	err := resilience.Retry(ctx, g.retry, retryableRead, func(ctx context.Context) error {
		c, b, err := g.do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			return err
		}
		if c >= 500 {
			return &statusError{code: c, body: string(b)}
		}
		code, body = c, b
		return nil
	})
	return code, body, err
}

// Pay submits the payment once. Only a 4xx answer or an explicit failed
// status is a definite failure, and ErrUnavailable means the request never
// left. Everything else that is not a success (5xx, an in-progress status,
// a connection lost mid-call) is ErrTimeout: the ledger may still settle it.
func (g *HTTPGateway) Pay(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	body, err := json.Marshal(map[string]string{
		"from":      req.From,
		"to":        req.To,
		"amount":    req.Amount.String(),
		"currency":  string(req.Currency),
		"reference": req.Reference,
		"payload":   base64.StdEncoding.EncodeToString(req.Payload),
		"signature": base64.StdEncoding.EncodeToString(req.Signature),
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("marshal payment: %w", err)
	}

	code, respBody, err := g.do(ctx, http.MethodPost, "/payments", body, map[string]string{"Idempotency-Key": req.Reference})
	if err != nil {
		return PaymentResult{}, err
	}
	if code >= 500 {
		return PaymentResult{}, fmt.Errorf("%w: %w", ErrTimeout, &statusError{code: code, body: string(respBody)})
	}

	parsed := gjson.ParseBytes(respBody)
	result := PaymentResult{
		TxRef:  parsed.Get("tx_ref").String(),
		Status: PaymentStatus(parsed.Get("status").String()),
		Error:  parsed.Get("error").String(),
	}
	if code >= 400 {
		result.Status = StatusFailed
		if result.Error == "" {
			result.Error = fmt.Sprintf("gateway rejected payment with status %d", code)
		}
	}
	if result.Status != StatusSuccess && result.Status != StatusFailed {
		return PaymentResult{}, fmt.Errorf("%w: payment %s is %q", ErrTimeout, req.Reference, result.Status)
	}
	return result, nil
}

func (g *HTTPGateway) account(ctx context.Context, address string) (gjson.Result, bool, error) {
	code, body, err := g.read(ctx, "/accounts/"+url.PathEscape(address))
	if err != nil {
		return gjson.Result{}, false, err
	}
	switch {
	case code == http.StatusNotFound:
		return gjson.Result{}, false, nil
	case code >= 400:
		return gjson.Result{}, false, &statusError{code: code, body: string(body)}
	}
	return gjson.ParseBytes(body), true, nil
}

func (g *HTTPGateway) AccountExists(ctx context.Context, address string) (bool, error) {
	doc, found, err := g.account(ctx, address)
	if err != nil || !found {
		return false, err
	}
	if exists := doc.Get("exists"); exists.Exists() {
		return exists.Bool(), nil
	}
	return true, nil
}

func (g *HTTPGateway) Balance(ctx context.Context, address string, currency money.Currency) (decimal.Decimal, error) {
	doc, found, err := g.account(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, nil
	}
	raw := doc.Get(fmt.Sprintf(`balances.#(asset==%q).balance`, string(currency)))
	if !raw.Exists() {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s balance: %w", currency, err)
	}
	return amount, nil
}

func (g *HTTPGateway) Lookup(ctx context.Context, reference string) (LookupResult, error) {
	code, body, err := g.read(ctx, "/payments/"+url.PathEscape(reference))
	if err != nil {
		return LookupResult{}, err
	}
	switch {
	case code == http.StatusNotFound:
		return LookupResult{}, nil
	case code >= 400:
		return LookupResult{}, &statusError{code: code, body: string(body)}
	}
	doc := gjson.ParseBytes(body)
	status := PaymentStatus(doc.Get("status").String())
	if status != StatusSuccess && status != StatusFailed {
		// Still processing on the ledger side.
		return LookupResult{}, fmt.Errorf("%w: payment %s is %q", ErrTimeout, reference, status)
	}
	return LookupResult{
		Found:  true,
		Status: status,
		TxRef:  doc.Get("tx_ref").String(),
		Error:  doc.Get("error").String(),
	}, nil
}
