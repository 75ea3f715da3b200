package priceoracle

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RESTOracle resolves prices from the public (unsigned) ticker-price
// endpoint. A transient failure is retried with exponential backoff
// bounded by the caller's context deadline; a failure that survives the
// deadline is reported as not-ok, which the monitoring step treats as
// "skip this tick for this position."
type RESTOracle struct {
	client *binance.Client
	logger *zap.Logger
}

// NewRESTOracle builds an oracle against baseURL. No API key is required
// for the public ticker endpoint.
func NewRESTOracle(baseURL string, logger *zap.Logger) *RESTOracle {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &RESTOracle{client: client, logger: logger}
}

func (o *RESTOracle) Get(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	var price decimal.Decimal

	operation := func() error {
		prices, err := o.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		if len(prices) == 0 {
			return errNoPrice(symbol)
		}
		p, err := decimal.NewFromString(prices[0].Price)
		if err != nil {
			return err
		}
		price = p
		return nil
	}

	boff := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, boff); err != nil {
		o.logger.Warn("price fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Decimal{}, false
	}
	return price, true
}

type errNoPrice string

func (e errNoPrice) Error() string { return "no price returned for symbol " + string(e) }
