package dto

// InitializeSessionRequest is the request body for session creation.
type InitializeSessionRequest struct {
	SessionID      string `json:"session_id" binding:"required,max=64,safe_id"`
	InitialFunding int64  `json:"initial_funding" binding:"gte=0"`
	SourceHolding  string `json:"source_holding,omitempty" binding:"omitempty,max=128,safe_id"`
}

// FundSessionRequest is the request body for a top-up.
type FundSessionRequest struct {
	Amount        int64  `json:"amount" binding:"gte=0"`
	SourceHolding string `json:"source_holding,omitempty" binding:"omitempty,max=128,safe_id"`
}

// PurchaseRequest is the request body for a disbursement.
type PurchaseRequest struct {
	Amount           int64  `json:"amount" binding:"gte=0"`
	ServiceID        string `json:"service_id" binding:"required,max=64,safe_id"`
	RecipientHolding string `json:"recipient_holding" binding:"required,max=128,safe_id"`
}

// CloseSessionRequest is the optional request body for close.
type CloseSessionRequest struct {
	TreasuryHolding string `json:"treasury_holding,omitempty" binding:"omitempty,max=128,safe_id"`
}

// SessionResponse is the response body for a session snapshot.
type SessionResponse struct {
	SessionID      string `json:"session_id"`
	Address        string `json:"address"`
	Authority      string `json:"authority"`
	InitialBalance int64  `json:"initial_balance"`
	CurrentBalance int64  `json:"current_balance"`
	TotalFunded    int64  `json:"total_funded"`
	TotalSpent     int64  `json:"total_spent"`
	IsActive       bool   `json:"is_active"`
	Bump           uint8  `json:"bump"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
}

// EventResponse is one entry of a session's event history.
type EventResponse struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt string      `json:"created_at"`
}

// EventListResponse wraps a paginated event list.
type EventListResponse struct {
	Items      []EventResponse `json:"items"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// AddressResponse is the response for address derivation.
type AddressResponse struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Bump      uint8  `json:"bump"`
}
