// Package aegis contains the version number and shared constants of the
// adaptive access gateway.
package aegis

import "time"

// Version is the current version of Aegis.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// BasePrefix is the optional prefix every gateway route is served under.
var BasePrefix = ""

// HandshakePrefix is the path prefix of the handshake endpoints.
const HandshakePrefix = "/handshake/"

// Header names that make up the wire protocol.
const (
	TokenHeader     = "X-Handshake-Token"
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
)

// DefaultDifficulty is the default number of leading zero hex nibbles a
// proof-of-work solution must have.
const DefaultDifficulty = 4

// DefaultAlgorithm is the proof-of-work algorithm used when none is configured.
const DefaultAlgorithm = "sha256"

const (
	// DefaultChallengeTTL is how long a client has to solve a challenge.
	DefaultChallengeTTL = 5 * time.Minute

	// DefaultTokenTTL is how long an admission token stays valid.
	DefaultTokenTTL = 10 * time.Minute

	// DefaultReplayWindow is how far a signed request's timestamp may drift
	// from the gateway clock.
	DefaultReplayWindow = 5 * time.Minute

	// RetentionGrace is how long expired records are kept around so they can
	// be reported as expired instead of unknown.
	RetentionGrace = 5 * time.Minute
)

// MaxSolveIterations is the hard cap on client-side solve attempts.
const MaxSolveIterations = 10_000_000
