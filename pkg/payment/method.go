package payment

import (
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
)

// settlement is how much is physically charged for a proposed amount.
type settlement struct {
	Charged  decimal.Decimal // proposed amount after cash rounding
	Received decimal.Decimal
	Change   decimal.Decimal
	Rounding decimal.Decimal // Charged - proposed
}

// methodBehavior is the per-method part of recording a payment. Everything
// else (allocation, installment mutation, outbox) is shared.
type methodBehavior struct {
	// direct methods settle at the counter; the gateway settles later.
	direct bool
	// touchesDrawer methods post SALE and CHANGE_OUT movements.
	touchesDrawer bool
	settle        func(amount decimal.Decimal, received *decimal.Decimal) (settlement, error)
}

var methods = map[models.PaymentMethod]methodBehavior{
	models.MethodCash:          {direct: true, touchesDrawer: true, settle: settleCash},
	models.MethodCreditCard:    {direct: true, settle: settleExact},
	models.MethodDebitCard:     {direct: true, settle: settleExact},
	models.MethodDigitalWallet: {direct: true, settle: settleExact},
	models.MethodGateway:       {settle: settleExact},
}

func behaviorFor(method models.PaymentMethod) (methodBehavior, error) {
	b, ok := methods[method]
	if !ok {
		return methodBehavior{}, apperr.Validationf("unknown payment method %q", method)
	}
	return b, nil
}

// RoundCash rounds to the nearest 0.10, halves going up.
func RoundCash(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(1)
}

func settleCash(amount decimal.Decimal, received *decimal.Decimal) (settlement, error) {
	charged := RoundCash(amount)
	s := settlement{
		Charged:  charged,
		Received: charged,
		Change:   decimal.Zero,
		Rounding: charged.Sub(amount),
	}
	if received != nil {
		if received.LessThan(charged) {
			return settlement{}, apperr.Validationf("amount received %s is less than the rounded cash amount %s",
				received.StringFixed(2), charged.StringFixed(2))
		}
		s.Received = *received
		s.Change = received.Sub(charged)
	}
	return s, nil
}

func settleExact(amount decimal.Decimal, received *decimal.Decimal) (settlement, error) {
	if received != nil && !received.Equal(amount) {
		return settlement{}, apperr.Validationf("non-cash payments are exact: received %s differs from amount %s",
			received.StringFixed(2), amount.StringFixed(2))
	}
	return settlement{
		Charged:  amount,
		Received: amount,
		Change:   decimal.Zero,
		Rounding: decimal.Zero,
	}, nil
}
