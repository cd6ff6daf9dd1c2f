package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quiz-arena-service/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// LedgerEntry is one movement recorded by the dev wallet.
type LedgerEntry struct {
	TxRef          string
	UserID         string
	Amount         int64
	Reason         string
	IdempotencyKey string
	At             time.Time
}

// Wallet is an in-memory app.Wallet for development and tests. Credits are idempotent by key.
type Wallet struct {
	mu       sync.Mutex
	accounts map[string]*account
	credits  map[string]string
	entries  []LedgerEntry
	clock    func() time.Time
}

type account struct {
	balance int64
	pinHash []byte
}

func NewWallet() *Wallet {
	return &Wallet{
		accounts: make(map[string]*account),
		credits:  make(map[string]string),
		clock:    time.Now,
	}
}

// Open creates or resets an account with balance and pin.
func (w *Wallet) Open(userID string, balance int64, pin string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accounts[userID] = &account{balance: balance, pinHash: hash}
	return nil
}

func (w *Wallet) VerifyPin(_ context.Context, userID, pin string) (bool, error) {
	w.mu.Lock()
	acc, ok := w.accounts[userID]
	w.mu.Unlock()
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(acc.pinHash, []byte(pin)) == nil, nil
}

func (w *Wallet) Debit(_ context.Context, userID string, amount int64, reason string) (string, error) {
	if amount <= 0 {
		return "", domain.ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	acc, ok := w.accounts[userID]
	if !ok || acc.balance < amount {
		return "", domain.ErrInsufficientFunds
	}
	acc.balance -= amount
	return w.record(userID, -amount, reason, ""), nil
}

// Credit pays amount to userID once per idempotency key; a repeated key returns the first tx.
func (w *Wallet) Credit(_ context.Context, userID string, amount int64, reason, idempotencyKey string) (string, error) {
	if amount <= 0 {
		return "", domain.ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if ref, ok := w.credits[idempotencyKey]; ok && idempotencyKey != "" {
		return ref, nil
	}
	acc, ok := w.accounts[userID]
	if !ok {
		acc = &account{}
		w.accounts[userID] = acc
	}
	acc.balance += amount
	ref := w.record(userID, amount, reason, idempotencyKey)
	if idempotencyKey != "" {
		w.credits[idempotencyKey] = ref
	}
	return ref, nil
}

// Balance returns the current balance of userID.
func (w *Wallet) Balance(userID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if acc, ok := w.accounts[userID]; ok {
		return acc.balance
	}
	return 0
}

// Entries returns a copy of the audit log.
func (w *Wallet) Entries() []LedgerEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]LedgerEntry(nil), w.entries...)
}

func (w *Wallet) record(userID string, amount int64, reason, key string) string {
	ref := uuid.NewString()
	w.entries = append(w.entries, LedgerEntry{
		TxRef:          ref,
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: key,
		At:             w.clock(),
	})
	return ref
}
