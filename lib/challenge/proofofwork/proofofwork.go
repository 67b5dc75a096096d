// Package proofofwork implements the sha256 leading-zero puzzle on both
// sides of the handshake: Validate for the gateway, Solve for clients.
package proofofwork

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"

	"github.com/uvensys/aegis"
	"github.com/uvensys/aegis/internal"
	chall "github.com/uvensys/aegis/lib/challenge"
)

// ErrSolveExhausted is returned by Solve when no solution was found within
// the iteration cap.
var ErrSolveExhausted = errors.New("proofofwork: iteration cap reached without a solution")

// ctxCheckInterval is how many hashes Solve computes between context checks.
const ctxCheckInterval = 4096

func init() {
	chall.Register(aegis.DefaultAlgorithm, Impl{})
}

type Impl struct{}

func (Impl) Solve(ctx context.Context, salt string, difficulty, maxIterations int) (string, int, error) {
	return Solve(ctx, salt, difficulty, maxIterations)
}

func (Impl) Validate(c *chall.Challenge, solution string) error {
	if solution == "" {
		return fmt.Errorf("%w solution", chall.ErrMissingField)
	}

	calculated := internal.SHA256sum(c.Salt + solution)

	if !HasLeadingZeros(calculated, c.Difficulty) {
		return fmt.Errorf("%w: wanted %d leading zeros but got %s", chall.ErrFailed, c.Difficulty, calculated)
	}

	return nil
}

// HasLeadingZeros reports whether the hex digest starts with difficulty '0'
// characters.
func HasLeadingZeros(hexDigest string, difficulty int) bool {
	if difficulty > len(hexDigest) {
		return false
	}

	for i := range difficulty {
		if hexDigest[i] != '0' {
			return false
		}
	}

	return true
}

func zeroNibbles(sum *[sha256.Size]byte, difficulty int) bool {
	for i := range difficulty {
		b := sum[i/2]
		if i%2 == 0 {
			b >>= 4
		}
		if b&0x0f != 0 {
			return false
		}
	}
	return true
}

// Solve searches solutions "0", "1", "2", ... until SHA256(salt+solution) has
// difficulty leading zero nibbles. It gives up with ErrSolveExhausted after
// maxIterations attempts (aegis.MaxSolveIterations if <= 0) and with the
// context's error once ctx is done. The number of hashes computed is returned
// alongside the solution.
func Solve(ctx context.Context, salt string, difficulty int, maxIterations int) (string, int, error) {
	if maxIterations <= 0 {
		maxIterations = aegis.MaxSolveIterations
	}
	if difficulty < 0 || difficulty > sha256.Size*2 {
		return "", 0, fmt.Errorf("%w: %d", chall.ErrBadDifficulty, difficulty)
	}

	buf := make([]byte, 0, len(salt)+20)
	buf = append(buf, salt...)

	for n := range maxIterations {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return "", n, err
			}
		}

		buf = strconv.AppendInt(buf[:len(salt)], int64(n), 10)
		sum := sha256.Sum256(buf)

		if zeroNibbles(&sum, difficulty) {
			return strconv.Itoa(n), n + 1, nil
		}
	}

	return "", maxIterations, fmt.Errorf("%w: %d attempts at difficulty %d", ErrSolveExhausted, maxIterations, difficulty)
}
