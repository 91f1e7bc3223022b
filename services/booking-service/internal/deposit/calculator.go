// Package deposit computes the refundable hold a customer locks when booking
// a service.
package deposit

import (
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
	"github.com/shopspring/decimal"
)

var ErrInvalidRule = errors.New("invalid deposit rule")

var hundred = decimal.NewFromInt(100)

// Amount returns the deposit for a rule as a decimal string with exactly two
// fractional digits. Percent rules are applied to price, by_duration rules to
// durationMinutes. Bounds are applied min first, then max, so a max below min
// wins. A nil rule yields "0".
func Amount(rule *model.DepositRule, price string, durationMinutes int) (string, error) {
	if rule == nil {
		return "0", nil
	}

	var raw decimal.Decimal
	switch rule.Type {
	case model.DepositFixed:
		amount, err := parse("amountUsdc", rule.AmountUSDC)
		if err != nil {
			return "", err
		}
		return amount.StringFixed(2), nil
	case model.DepositPercent:
		p, err := parse("price", price)
		if err != nil {
			return "", err
		}
		pct, err := parse("percent", rule.Percent.String())
		if err != nil {
			return "", err
		}
		raw = p.Mul(pct).Div(hundred)
	case model.DepositByDuration:
		perMinute, err := parse("perMinuteUsdc", rule.PerMinuteUSDC)
		if err != nil {
			return "", err
		}
		raw = perMinute.Mul(decimal.NewFromInt(int64(durationMinutes)))
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}

	clamped, err := clamp(raw, rule.MinUSDC, rule.MaxUSDC)
	if err != nil {
		return "", err
	}
	return clamped.Round(2).StringFixed(2), nil
}

// Validate checks that a rule carries the fields its variant needs and that
// every amount parses.
func Validate(rule *model.DepositRule) error {
	if rule == nil {
		return fmt.Errorf("%w: missing", ErrInvalidRule)
	}
	var field, value string
	switch rule.Type {
	case model.DepositFixed:
		field, value = "amountUsdc", rule.AmountUSDC
	case model.DepositPercent:
		field, value = "percent", rule.Percent.String()
	case model.DepositByDuration:
		field, value = "perMinuteUsdc", rule.PerMinuteUSDC
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	v, err := parse(field, value)
	if err != nil {
		return err
	}
	if v.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidRule, field)
	}
	if rule.Type != model.DepositFixed {
		if _, err := clamp(decimal.Zero, rule.MinUSDC, rule.MaxUSDC); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v decimal.Decimal, min, max string) (decimal.Decimal, error) {
	if min != "" {
		m, err := parse("minUsdc", min)
		if err != nil {
			return decimal.Decimal{}, err
		}
		v = decimal.Max(v, m)
	}
	if max != "" {
		m, err := parse("maxUsdc", max)
		if err != nil {
			return decimal.Decimal{}, err
		}
		v = decimal.Min(v, m)
	}
	return v, nil
}

func parse(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is required", ErrInvalidRule, field)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q is not a decimal", ErrInvalidRule, field, value)
	}
	return d, nil
}
