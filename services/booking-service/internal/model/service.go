package model

import (
	"encoding/json"
	"time"
)

type DepositRuleType string

const (
	DepositFixed      DepositRuleType = "fixed"
	DepositPercent    DepositRuleType = "percent"
	DepositByDuration DepositRuleType = "by_duration"
)

// DepositRule is a tagged variant keyed by Type. Only the fields belonging to
// the selected variant are read:
//
//	fixed:       AmountUSDC
//	percent:     Percent, MinUSDC, MaxUSDC
//	by_duration: PerMinuteUSDC, MinUSDC, MaxUSDC
type DepositRule struct {
	Type          DepositRuleType `json:"type"`
	AmountUSDC    string          `json:"amountUsdc,omitempty"`
	Percent       json.Number     `json:"percent,omitempty"`
	PerMinuteUSDC string          `json:"perMinuteUsdc,omitempty"`
	MinUSDC       string          `json:"minUsdc,omitempty"`
	MaxUSDC       string          `json:"maxUsdc,omitempty"`
}

type Provider struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Service struct {
	ID              string       `json:"id"`
	ProviderID      string       `json:"providerId"`
	Name            string       `json:"name"`
	DurationMinutes int          `json:"durationMinutes"`
	PriceUSDC       string       `json:"priceUsdc,omitempty"`
	DepositRule     *DepositRule `json:"depositRule,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
