// internal/session/wire.go
package session

// Wire DTOs for the relay HTTP contract, shared by the relay handlers and the
// polling client so the two sides cannot drift. Timestamps travel as epoch
// milliseconds, matching the protocol envelope.

// CreateRequest registers a new session. Offer may be sent at create time or
// trickled in shortly after via /session/offer.
type CreateRequest struct {
	HostID   string `json:"hostId"`
	HostName string `json:"hostName"`
	Offer    string `json:"offer,omitempty"`
}

// CreateResponse returns the allocated identifiers.
type CreateResponse struct {
	SessionID string `json:"sessionId"`
	GameCode  string `json:"gameCode"`
	ExpiresAt int64  `json:"expiresAt"`
}

// JoinRequest resolves a game code and claims the client slot.
type JoinRequest struct {
	GameCode   string `json:"gameCode"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
}

// JoinResponse hands the joining client everything the host has contributed
// so far.
type JoinResponse struct {
	SessionID      string   `json:"sessionId"`
	HostID         string   `json:"hostId"`
	HostName       string   `json:"hostName"`
	Offer          string   `json:"offer,omitempty"`
	HostCandidates []string `json:"hostCandidates,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
	ExpiresAt      int64    `json:"expiresAt"`
}

// OfferRequest writes the host's offer after create.
type OfferRequest struct {
	SessionID string `json:"sessionId"`
	Offer     string `json:"offer"`
}

// AnswerRequest writes the client's answer.
type AnswerRequest struct {
	SessionID string `json:"sessionId"`
	Answer    string `json:"answer"`
}

// CandidateRequest appends a negotiation hint to the caller's own list.
type CandidateRequest struct {
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
	Candidate string `json:"candidate"`
}

// ErrorResponse is the body of every non-2xx relay reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
