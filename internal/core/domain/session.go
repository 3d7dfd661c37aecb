package domain

import (
	"math"
	"time"
)

// MaxSessionIDLength is the largest session identifier accepted, in bytes.
const MaxSessionIDLength = 64

// SessionWallet is the custodial balance record of one session.
// It is created once, mutated in place, and deactivated by close.
type SessionWallet struct {
	Address        Address   `json:"address"`
	Authority      string    `json:"authority"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	InitialBalance int64     `json:"initial_balance"`
	CurrentBalance int64     `json:"current_balance"`
	TotalFunded    int64     `json:"total_funded"`
	TotalSpent     int64     `json:"total_spent"`
	IsActive       bool      `json:"is_active"`
	Bump           uint8     `json:"bump"`
}

// HoldingID returns the custody holding that backs this session.
func (w *SessionWallet) HoldingID() string {
	return w.Address.String()
}

// IsAuthority reports whether identity controls the session.
func (w *SessionWallet) IsAuthority(identity string) bool {
	return identity != "" && identity == w.Authority
}

// Reconciles reports whether the balance equals deposits minus spending.
// A closed wallet reconciles when its balance is zero.
func (w *SessionWallet) Reconciles() bool {
	if !w.IsActive {
		return w.CurrentBalance == 0
	}
	if w.CurrentBalance < 0 {
		return false
	}
	in, ok := CheckedAdd(w.InitialBalance, w.TotalFunded)
	if !ok {
		return false
	}
	return in-w.TotalSpent == w.CurrentBalance
}

// VerifyAddress reports whether SessionID and Bump re-derive Address.
func (w *SessionWallet) VerifyAddress(program ProgramID) bool {
	addr, err := CreateSessionAddress(program, w.SessionID, w.Bump)
	if err != nil {
		return false
	}
	return addr == w.Address
}

// CheckedAdd adds two non-negative amounts, reporting false on overflow.
func CheckedAdd(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// CheckedSub subtracts b from a, reporting false if the result would be negative.
func CheckedSub(a, b int64) (int64, bool) {
	if a < 0 || b < 0 || b > a {
		return 0, false
	}
	return a - b, true
}
