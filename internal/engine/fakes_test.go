package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"memevault/internal/domain"
	"memevault/internal/payment"
)

type fakeVerifier struct {
	mu          sync.Mutex
	balance     decimal.Decimal
	balanceErr  error
	transferErr error
	onTransfer  func()
	transfers   int
	wallets     int
}

func (f *fakeVerifier) setBalance(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = decimal.RequireFromString(v)
}

func (f *fakeVerifier) CreateWallet(_ context.Context, currency string) (payment.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets++
	return payment.Wallet{Address: fmt.Sprintf("addr-%d", f.wallets), Reference: fmt.Sprintf("trk-%d", f.wallets)}, nil
}

func (f *fakeVerifier) CheckBalance(context.Context, string, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balanceErr
}

func (f *fakeVerifier) Transfer(_ context.Context, _ string, _ string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	if f.onTransfer != nil {
		f.onTransfer()
	}
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return fmt.Sprintf("tx-%d", f.transfers), nil
}

func (f *fakeVerifier) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

type sent struct {
	Kind    string
	ChatID  string
	Text    string
	Actions []domain.Action
}

type fakeGateway struct {
	mu         sync.Mutex
	sent       []sent
	failChats  map[string]bool
	nonMembers map[string]bool
	groupSize  int
	sizeErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failChats: map[string]bool{}, nonMembers: map[string]bool{}, groupSize: 1000}
}

var errUndeliverable = errors.New("chat not found")

func (g *fakeGateway) record(kind, chatID, text string, actions []domain.Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failChats[chatID] {
		return errUndeliverable
	}
	g.sent = append(g.sent, sent{Kind: kind, ChatID: chatID, Text: text, Actions: actions})
	return nil
}

func (g *fakeGateway) SendMessage(_ context.Context, chatID, text string, actions ...domain.Action) error {
	return g.record("message", chatID, text, actions)
}

func (g *fakeGateway) SendPhoto(_ context.Context, chatID, media, caption string, actions ...domain.Action) error {
	return g.record("photo", chatID, caption, actions)
}

func (g *fakeGateway) GroupSize(context.Context, string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.groupSize, g.sizeErr
}

func (g *fakeGateway) IsMember(_ context.Context, _ string, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.nonMembers[userID], nil
}

func (g *fakeGateway) setFail(chatID string, fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failChats[chatID] = fail
}

// to returns what was delivered to chatID, optionally only texts containing substr.
func (g *fakeGateway) to(chatID, substr string) []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sent
	for _, s := range g.sent {
		if s.ChatID == chatID && strings.Contains(s.Text, substr) {
			out = append(out, s)
		}
	}
	return out
}
