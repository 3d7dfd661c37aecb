package domain

import "time"

// OwnerKind says which kind of Authorization may move value out of a holding.
type OwnerKind string

const (
	// OwnerExternal holdings are controlled by an ExternalSignature.
	OwnerExternal OwnerKind = "external"
	// OwnerDerived holdings back a session and only its DerivedCapability controls them.
	OwnerDerived OwnerKind = "derived"
)

// Holding is a custody account that value moves in and out of.
type Holding struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	OwnerKind OwnerKind `json:"owner_kind"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Kind returns the owner kind, treating an unset kind as external.
func (h *Holding) Kind() OwnerKind {
	if h.OwnerKind == "" {
		return OwnerExternal
	}
	return h.OwnerKind
}
