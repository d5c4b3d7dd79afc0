package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pimutpos/backend/internal/cache"
	"pimutpos/backend/internal/domain"
)

const (
	tokenPath = "/oauth/v1/generate"
	stkPath   = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	// stillProcessingCode is returned with HTTP 500 while the customer has
	// not answered the prompt yet.
	stillProcessingCode = "500.001.1001"

	timestampLayout = "20060102150405"
)

var eastAfrica = time.FixedZone("EAT", 3*60*60)

type DarajaConfig struct {
	BaseURL          string
	ConsumerKey      string
	ConsumerSecret   string
	Shortcode        string
	Passkey          string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
	Timeout          time.Duration
}

// Daraja talks to the Safaricom STK push API. Access tokens are shared
// through the token cache and concurrent refreshes collapse into one call.
type Daraja struct {
	cfg     DarajaConfig
	http    *resty.Client
	tokens  cache.TokenCache
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	log     *zap.Logger
	now     func() time.Time
}

func NewDaraja(cfg DarajaConfig, tokens cache.TokenCache, log *zap.Logger) *Daraja {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.AccountReference == "" {
		cfg.AccountReference = "PIMUT POS"
	}
	if cfg.TransactionDesc == "" {
		cfg.TransactionDesc = "Sale Payment"
	}
	if tokens == nil {
		tokens = cache.NewMemoryTokenCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("mpesa")

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "mpesa",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Daraja{
		cfg:     cfg,
		http:    client,
		tokens:  tokens,
		breaker: breaker,
		log:     log,
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
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
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode       string     `json:"ResponseCode"`
	CheckoutRequestID  string     `json:"CheckoutRequestID"`
	ResultCode         codeString `json:"ResultCode"`
	ResultDesc         string     `json:"ResultDesc"`
	MpesaReceiptNumber string     `json:"MpesaReceiptNumber"`
}

// codeString accepts result codes sent either as JSON strings or numbers.
type codeString string

func (c *codeString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = codeString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = codeString(n.String())
	return nil
}

func gatewayError(op string, err error) error {
	if errors.Is(err, domain.ErrGateway) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrGateway, op, err)
}

// execute runs one request through the breaker. Only transport failures and
// unexpected 5xx answers count against the breaker.
func (d *Daraja) execute(call func() (*resty.Response, error)) (*resty.Response, error) {
	return d.breaker.Execute(func() (*resty.Response, error) {
		resp, err := call()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 500 {
			if apiErr, ok := resp.Error().(*errorResponse); ok && apiErr.ErrorCode == stillProcessingCode {
				return resp, nil
			}
			return resp, fmt.Errorf("status %d", resp.StatusCode())
		}
		return resp, nil
	})
}

func (d *Daraja) accessToken(ctx context.Context) (string, error) {
	token, ok, err := d.tokens.Get(ctx, d.cfg.ConsumerKey)
	if err != nil {
		d.log.Warn("token cache read failed", zap.Error(err))
	}
	if ok {
		return token, nil
	}

	v, err, _ := d.group.Do("token", func() (any, error) {
		var out tokenResponse
		resp, err := d.execute(func() (*resty.Response, error) {
			return d.http.R().
				SetContext(ctx).
				SetBasicAuth(d.cfg.ConsumerKey, d.cfg.ConsumerSecret).
				SetQueryParam("grant_type", "client_credentials").
				SetResult(&out).
				SetError(&errorResponse{}).
				Get(tokenPath)
		})
		if err != nil {
			return "", err
		}
		if resp.IsError() || out.AccessToken == "" {
			return "", fmt.Errorf("token request rejected with status %d", resp.StatusCode())
		}

		ttl := time.Hour
		if secs, convErr := strconv.Atoi(strings.TrimSpace(out.ExpiresIn)); convErr == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
		// Refresh a minute early so a token never expires mid-request.
		if ttl > 2*time.Minute {
			ttl -= time.Minute
		}
		if err := d.tokens.Set(ctx, d.cfg.ConsumerKey, out.AccessToken, ttl); err != nil {
			d.log.Warn("token cache write failed", zap.Error(err))
		}
		return out.AccessToken, nil
	})
	if err != nil {
		return "", gatewayError("access token", err)
	}
	return v.(string), nil
}

func (d *Daraja) password() (string, string) {
	ts := d.now().In(eastAfrica).Format(timestampLayout)
	raw := d.cfg.Shortcode + d.cfg.Passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw)), ts
}

// NormalizePhone converts local formats (07XXXXXXXX, +2547XXXXXXXX) to the
// 2547XXXXXXXX form the gateway expects.
func NormalizePhone(phone string) (string, error) {
	p := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}
	if len(p) != 12 || !strings.HasPrefix(p, "254") {
		return "", domain.ErrInvalidRequest
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", domain.ErrInvalidRequest
		}
	}
	return p, nil
}

func (d *Daraja) Initiate(ctx context.Context, amount decimal.Decimal, phone string) (InitiateResult, error) {
	whole := amount.IntPart()
	if whole < 1 {
		return InitiateResult{}, domain.ErrInvalidRequest
	}
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return InitiateResult{}, err
	}

	token, err := d.accessToken(ctx)
	if err != nil {
		return InitiateResult{}, err
	}

	password, ts := d.password()
	var out stkPushResponse
	apiErr := &errorResponse{}
	resp, err := d.execute(func() (*resty.Response, error) {
		return d.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(stkPushRequest{
				BusinessShortCode: d.cfg.Shortcode,
				Password:          password,
				Timestamp:         ts,
				TransactionType:   "CustomerPayBillOnline",
				Amount:            whole,
				PartyA:            msisdn,
				PartyB:            d.cfg.Shortcode,
				PhoneNumber:       msisdn,
				CallBackURL:       d.cfg.CallbackURL,
				AccountReference:  d.cfg.AccountReference,
				TransactionDesc:   d.cfg.TransactionDesc,
			}).
			SetResult(&out).
			SetError(apiErr).
			Post(stkPath)
	})
	if err != nil {
		return InitiateResult{}, gatewayError("stk push", err)
	}
	if resp.IsError() {
		return InitiateResult{}, gatewayError("stk push", fmt.Errorf("status %d: %s %s", resp.StatusCode(), apiErr.ErrorCode, apiErr.ErrorMessage))
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return InitiateResult{}, gatewayError("stk push", fmt.Errorf("response code %q: %s", out.ResponseCode, out.ResponseDescription))
	}

	d.log.Info("stk push accepted", zap.String("checkout_request_id", out.CheckoutRequestID), zap.Int64("amount", whole))
	return InitiateResult{
		RequestID:         out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

func (d *Daraja) Query(ctx context.Context, requestID string) (QueryResult, error) {
	if strings.TrimSpace(requestID) == "" {
		return QueryResult{}, domain.ErrInvalidRequest
	}
	token, err := d.accessToken(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	password, ts := d.password()
	var out stkQueryResponse
	apiErr := &errorResponse{}
	resp, err := d.execute(func() (*resty.Response, error) {
		return d.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(stkQueryRequest{
				BusinessShortCode: d.cfg.Shortcode,
				Password:          password,
				Timestamp:         ts,
				CheckoutRequestID: requestID,
			}).
			SetResult(&out).
			SetError(apiErr).
			Post(queryPath)
	})
	if err != nil {
		return QueryResult{}, gatewayError("stk query", err)
	}
	if resp.IsError() {
		if apiErr.ErrorCode == stillProcessingCode {
			return QueryResult{Pending: true, ResultDesc: apiErr.ErrorMessage}, nil
		}
		return QueryResult{}, gatewayError("stk query", fmt.Errorf("status %d: %s %s", resp.StatusCode(), apiErr.ErrorCode, apiErr.ErrorMessage))
	}

	result := QueryResult{
		ResultCode: string(out.ResultCode),
		ResultDesc: out.ResultDesc,
		Receipt:    out.MpesaReceiptNumber,
	}
	if result.ResultCode == "" && result.Receipt == "" {
		result.Pending = true
	}
	return result, nil
}
