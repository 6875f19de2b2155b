// Package payment talks to the custodial payment provider that holds contest
// prize pools.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Wallet is a deposit address created for one challenge.
type Wallet struct {
	Address string `json:"address"`
	// Reference is the provider tracking id used for balance lookups.
	Reference string `json:"reference"`
}

// Verifier creates deposit wallets, reads their balances and sends payouts.
// Errors are transient unless they are an *InvalidInputError.
type Verifier interface {
	CreateWallet(ctx context.Context, currency string) (Wallet, error)
	CheckBalance(ctx context.Context, currency, reference string) (decimal.Decimal, error)
	Transfer(ctx context.Context, currency, address string, amount decimal.Decimal) (string, error)
}

// InvalidInputError reports a request the provider will never accept.
type InvalidInputError struct {
	Op     string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s: invalid input: %s", e.Op, e.Reason)
}

func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

// Supported currencies and their provider network codes.
var networks = map[string]string{
	"Solana":   "SOL",
	"Ethereum": "ETH",
}

func Network(currency string) (string, bool) {
	n, ok := networks[currency]
	return n, ok
}

func Currencies() []string {
	return []string{"Solana", "Ethereum"}
}
