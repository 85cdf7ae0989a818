package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"nyumbani/internal/config"

	"github.com/shopspring/decimal"
)

// Daraja STK result codes seen in callbacks and status queries.
const (
	resultCodeSuccess         = 0
	resultCodeCancelledByUser = 1032
	resultCodeTimeout         = 1037
)

// errorCode returned by the status query while the prompt is still open
// on the payer's handset.
const queryErrStillProcessing = "500.001.1001"

// ChargeAck is the provider's immediate answer to a charge initiation,
// distinct from the asynchronous result that follows.
type ChargeAck struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResponseCode      string
	CustomerMessage   string
}

// GatewayResult is the provider-reported outcome of a charge, produced by
// either the callback parser or the status query. Pending means the
// provider has no final answer yet.
type GatewayResult struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            decimal.Decimal
	TransactionDate   *time.Time
	Pending           bool
	RawBody           string
}

func (r *GatewayResult) Success() bool { return !r.Pending && r.ResultCode == resultCodeSuccess }

// FailureReason renders a failure outcome for storage, with readable text
// for the codes payers actually hit.
func (r *GatewayResult) FailureReason() string {
	switch r.ResultCode {
	case resultCodeCancelledByUser:
		return fmt.Sprintf("cancelled by payer (result code %d: %s)", r.ResultCode, r.ResultDesc)
	case resultCodeTimeout:
		return fmt.Sprintf("payment prompt timed out (result code %d: %s)", r.ResultCode, r.ResultDesc)
	default:
		return fmt.Sprintf("result code %d: %s", r.ResultCode, r.ResultDesc)
	}
}

// DarajaGateway talks to the Safaricom Daraja API. Every call is bounded
// by the configured HTTP timeout, independent of any caller deadline.
type DarajaGateway struct {
	cfg     *config.PaymentRuntimeConfig
	httpc   *http.Client
	loggerf func(format string, args ...interface{})

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewDarajaGateway(cfg *config.PaymentRuntimeConfig, loggerf func(format string, args ...interface{})) *DarajaGateway {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &DarajaGateway{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.HTTPTimeout},
		loggerf: loggerf,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (g *DarajaGateway) RequestCharge(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*ChargeAck, error) {
	token, err := g.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	timestamp := time.Now().Format("20060102150405")
	req := stkPushRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          g.stkPassword(timestamp),
		Timestamp:         timestamp,
		TransactionType:   g.cfg.TransactionType,
		Amount:            amount.StringFixed(0),
		PartyA:            phone,
		PartyB:            g.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   "Nyumbani payment " + reference,
	}

	var resp stkPushResponse
	if err := g.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, req, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s %s", ErrGatewayUnavailable, resp.ErrorCode, resp.ErrorMessage)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: response code %s: %s", ErrGatewayUnavailable, resp.ResponseCode, resp.ResponseDescription)
	}
	if resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: acknowledgement without CheckoutRequestID", ErrGatewayUnavailable)
	}
	return &ChargeAck{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		ResponseCode:      resp.ResponseCode,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	MpesaReceiptNumber  string `json:"MpesaReceiptNumber"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (g *DarajaGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*GatewayResult, error) {
	token, err := g.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	timestamp := time.Now().Format("20060102150405")
	req := stkQueryRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          g.stkPassword(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := g.postJSON(ctx, "/mpesa/stkpushquery/v1/query", token, req, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode == queryErrStillProcessing {
		return &GatewayResult{CheckoutRequestID: checkoutRequestID, Pending: true, ResultDesc: resp.ErrorMessage}, nil
	}
	if resp.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s %s", ErrGatewayUnavailable, resp.ErrorCode, resp.ErrorMessage)
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable ResultCode %q", ErrGatewayUnavailable, resp.ResultCode)
	}
	return &GatewayResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        resp.ResultDesc,
		ReceiptNumber:     resp.MpesaReceiptNumber,
	}, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (g *DarajaGateway) token(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.accessToken != "" && time.Now().Before(g.tokenExpiry) {
		return g.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(g.cfg.ConsumerKey + ":" + g.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	httpResp, err := g.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", err
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth status %d: %s", httpResp.StatusCode, body)
	}

	var resp oauthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("oauth response without access_token")
	}

	ttl := 3600 * time.Second
	if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	g.accessToken = resp.AccessToken
	// renew a little early so in-flight calls never carry a dead token
	g.tokenExpiry = time.Now().Add(ttl - 30*time.Second)
	return g.accessToken, nil
}

func (g *DarajaGateway) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp))
}

func (g *DarajaGateway) postJSON(ctx context.Context, path, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := g.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	g.loggerf("level=debug msg=daraja call path=%s status=%d", path, httpResp.StatusCode)

	// Daraja reports some expected conditions (e.g. "still processing")
	// with a 4xx/5xx status and a JSON errorCode body, so decode before
	// judging the status code.
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: status %d: unparseable body", ErrGatewayUnavailable, httpResp.StatusCode)
	}
	return nil
}
