// Package payment drives mobile-money confirmation: the gateway contract,
// the Daraja client and the coordinator that polls for a result.
package payment

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

type InitiateResult struct {
	RequestID         string
	MerchantRequestID string
	CustomerMessage   string
}

// QueryResult is one status answer from the gateway. Pending is set when the
// gateway reports the request is still being processed.
type QueryResult struct {
	ResultCode string
	ResultDesc string
	Receipt    string
	Pending    bool
}

// Confirmed mirrors how the gateway signals a paid request: result code
// zero or a receipt number.
func (r QueryResult) Confirmed() bool {
	if r.Receipt != "" {
		return true
	}
	code := strings.TrimSpace(r.ResultCode)
	return code == "0" || code == "0.0"
}

// terminalCodes are result codes after which the request can never succeed:
// cancelled by the user, subscriber unreachable, invalid PIN and so on.
var terminalCodes = map[string]struct{}{
	"1":    {},
	"1019": {},
	"1032": {},
	"1037": {},
	"2001": {},
}

func (r QueryResult) Terminal() bool {
	if r.Pending || r.Confirmed() {
		return false
	}
	_, ok := terminalCodes[strings.TrimSpace(r.ResultCode)]
	return ok
}

type Gateway interface {
	Initiate(ctx context.Context, amount decimal.Decimal, phone string) (InitiateResult, error)
	Query(ctx context.Context, requestID string) (QueryResult, error)
}
