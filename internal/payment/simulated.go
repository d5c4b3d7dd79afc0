package payment

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"pimutpos/backend/internal/domain"
)

const (
	SimulatedRequestID = "SIMULATED_CHECKOUT"
	SimulatedReceipt   = "SIM123456"
)

// SimulatedGateway confirms every request on the first query. It stands in
// for the real gateway when no credentials are configured.
type SimulatedGateway struct{}

func (SimulatedGateway) Initiate(_ context.Context, amount decimal.Decimal, phone string) (InitiateResult, error) {
	if !amount.IsPositive() || strings.TrimSpace(phone) == "" {
		return InitiateResult{}, domain.ErrInvalidRequest
	}
	return InitiateResult{
		RequestID:         SimulatedRequestID,
		MerchantRequestID: "SIMULATED_MERCHANT",
		CustomerMessage:   "Simulated prompt sent",
	}, nil
}

func (SimulatedGateway) Query(_ context.Context, requestID string) (QueryResult, error) {
	if !strings.HasPrefix(requestID, "SIMULATED") {
		return QueryResult{ResultCode: "1032", ResultDesc: "Request cancelled by user"}, nil
	}
	return QueryResult{ResultCode: "0", ResultDesc: "Success", Receipt: SimulatedReceipt}, nil
}
