package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// OxaPay is a Verifier backed by the OxaPay v1 REST API.
type OxaPay struct {
	BaseURL     string
	MerchantKey string
	PayoutKey   string
	HTTPClient  *http.Client
	Log         zerolog.Logger
}

func NewOxaPay(baseURL, merchantKey, payoutKey string, timeout time.Duration, log zerolog.Logger) *OxaPay {
	return &OxaPay{
		BaseURL:     baseURL,
		MerchantKey: merchantKey,
		PayoutKey:   payoutKey,
		HTTPClient:  &http.Client{Timeout: timeout},
		Log:         log.With().Str("component", "oxapay").Logger(),
	}
}

type oxaEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Error  *oxaError       `json:"error"`
	Status int             `json:"status"`
}

type oxaError struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (e *oxaError) empty() bool {
	return e == nil || (e.Type == "" && e.Key == "" && e.Message == "")
}

func (o *OxaPay) CreateWallet(ctx context.Context, currency string) (Wallet, error) {
	network, ok := Network(currency)
	if !ok {
		return Wallet{}, &InvalidInputError{Op: "create wallet", Reason: "unsupported currency " + currency}
	}
	var data struct {
		Address string `json:"address"`
		TrackID string `json:"track_id"`
	}
	body := map[string]any{"network": network, "auto_withdrawal": 0}
	if err := o.do(ctx, http.MethodPost, "/payment/static-address", body, false, &data); err != nil {
		return Wallet{}, fmt.Errorf("create %s wallet: %w", currency, err)
	}
	if data.Address == "" {
		return Wallet{}, fmt.Errorf("create %s wallet: response missing address", currency)
	}
	o.Log.Info().Str("currency", currency).Str("track_id", data.TrackID).Msg("wallet created")
	return Wallet{Address: data.Address, Reference: data.TrackID}, nil
}

// CheckBalance sums the confirmed deposits recorded under reference.
func (o *OxaPay) CheckBalance(ctx context.Context, currency, reference string) (decimal.Decimal, error) {
	if reference == "" {
		return decimal.Zero, &InvalidInputError{Op: "check balance", Reason: "missing tracking reference"}
	}
	var data struct {
		Txs []struct {
			Status string          `json:"status"`
			Amount decimal.Decimal `json:"amount"`
		} `json:"txs"`
	}
	if err := o.do(ctx, http.MethodGet, "/payment/"+url.PathEscape(reference), nil, false, &data); err != nil {
		return decimal.Zero, fmt.Errorf("check %s balance: %w", currency, err)
	}
	balance := decimal.Zero
	for _, tx := range data.Txs {
		if tx.Status == "confirmed" {
			balance = balance.Add(tx.Amount)
		}
	}
	return balance, nil
}

func (o *OxaPay) Transfer(ctx context.Context, currency, address string, amount decimal.Decimal) (string, error) {
	network, ok := Network(currency)
	if !ok {
		return "", &InvalidInputError{Op: "transfer", Reason: "unsupported currency " + currency}
	}
	if strings.TrimSpace(address) == "" {
		return "", &InvalidInputError{Op: "transfer", Reason: "empty address"}
	}
	if !amount.IsPositive() {
		return "", &InvalidInputError{Op: "transfer", Reason: "amount must be positive"}
	}
	amt, _ := amount.Float64()
	body := map[string]any{
		"address":     address,
		"amount":      amt,
		"currency":    network,
		"network":     network,
		"description": "Prize payment",
	}
	var data struct {
		TrackID string `json:"track_id"`
	}
	if err := o.do(ctx, http.MethodPost, "/payout", body, true, &data); err != nil {
		return "", fmt.Errorf("transfer %s: %w", currency, err)
	}
	if data.TrackID == "" {
		return "", fmt.Errorf("transfer %s: response missing track_id", currency)
	}
	o.Log.Info().Str("currency", currency).Str("track_id", data.TrackID).Str("amount", amount.String()).Msg("payout submitted")
	return data.TrackID, nil
}

func (o *OxaPay) do(ctx context.Context, method, endpoint string, body any, payout bool, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.BaseURL, "/")+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if payout {
		req.Header.Set("payout_api_key", o.PayoutKey)
	} else {
		req.Header.Set("merchant_api_key", o.MerchantKey)
	}
	client := o.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env oxaEnvelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && !env.Error.empty() {
			msg = env.Error.Message
		}
		// rate limiting and server faults are worth retrying, other 4xx are not
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &InvalidInputError{Op: endpoint, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if !env.Error.empty() {
		return fmt.Errorf("api error: %s", env.Error.Message)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
