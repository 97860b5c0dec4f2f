package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/kalshibot/internal/domain"
)

// OrderRequest is a single order for the brokerage. Price is
// side-normalized: the limit cost per contract of the requested side.
type OrderRequest struct {
	ClientOrderID string // caller-generated idempotency key
	MarketTicker  string
	Side          domain.Side
	Direction     domain.Direction // buy opens, sell closes
	Size          int64
	Price         decimal.Decimal
}

// OrderAck is the brokerage's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID string
}

// Remote order states as reported by the brokerage.
const (
	OrderResting  = "resting"
	OrderFilled   = "filled"
	OrderRejected = "rejected"
)

// OrderStatus is the brokerage's view of one order. FilledPrice is
// side-normalized like OrderRequest.Price.
type OrderStatus struct {
	Status      string
	FilledPrice decimal.Decimal
	FilledSize  int64
	Reason      string
}

// Broker is the brokerage collaborator. Implementations classify
// failures with domain.Transient (timeout, 5xx) and domain.Fatal
// (rejected order, auth) so the executor can decide whether to retry.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	Portfolio(ctx context.Context) ([]domain.PortfolioEntry, error)
}
