package aegis

import "time"

// InitRequest is the body of POST /handshake/init.
type InitRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// InitResponse describes the puzzle a client has to solve.
type InitResponse struct {
	ChallengeID string    `json:"challengeId"`
	Salt        string    `json:"salt"`
	Difficulty  int       `json:"difficulty"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Algorithm   string    `json:"algorithm"`
}

// VerifyRequest is the body of POST /handshake/verify. ElapsedTime is the
// client's solve time in milliseconds and is only used for metrics.
type VerifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Solution    string `json:"solution"`
	ElapsedTime int64  `json:"elapsedTime,omitempty"`
}

// VerifyResponse carries the admission token minted for a solved challenge.
type VerifyResponse struct {
	TokenID   string    `json:"tokenId"`
	ExpiresAt time.Time `json:"expiresAt"`
}
