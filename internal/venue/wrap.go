package venue

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Lease is a temporary wrapped-native account held for the duration of one swap.
type Lease interface {
	Account() string
	Release(ctx context.Context) error
}

// NativeWrapper wraps native currency into a fungible token account.
type NativeWrapper interface {
	Wrap(ctx context.Context, owner string, amount decimal.Decimal) (Lease, error)
}

// LedgerWrapper tracks wrapped-native accounts in memory. Accounts are derived
// off-curve from the owner and a random nonce, so they can never collide with a
// keypair-owned address.
type LedgerWrapper struct {
	mu     sync.Mutex
	leases map[string]decimal.Decimal
}

// NewLedgerWrapper creates an empty wrapper ledger.
func NewLedgerWrapper() *LedgerWrapper {
	return &LedgerWrapper{leases: make(map[string]decimal.Decimal)}
}

// Wrap opens a wrapped-native account funded with amount.
func (w *LedgerWrapper) Wrap(ctx context.Context, owner string, amount decimal.Decimal) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ownerKey, err := base58.Decode(owner)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("wrap nonce: %w", err)
	}

	account, _, err := DeriveOffCurveAddress(ownerKey, []byte("wrap"), nonce)
	if err != nil {
		return nil, fmt.Errorf("derive wrapped account: %w", err)
	}

	w.mu.Lock()
	w.leases[account] = amount
	w.mu.Unlock()

	return &ledgerLease{wrapper: w, account: account}, nil
}

// Open returns the number of wrapped accounts not yet released.
func (w *LedgerWrapper) Open() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.leases)
}

type ledgerLease struct {
	wrapper *LedgerWrapper
	account string
	once    sync.Once
}

func (l *ledgerLease) Account() string {
	return l.account
}

// Release closes the account and returns the native balance. Releasing twice is a no-op.
func (l *ledgerLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.wrapper.mu.Lock()
		delete(l.wrapper.leases, l.account)
		l.wrapper.mu.Unlock()
	})
	return nil
}
