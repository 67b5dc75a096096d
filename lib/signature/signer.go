package signature

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/uvensys/aegis"
)

// Signer produces signature headers for privileged requests. It is the
// client-side counterpart of Authenticator.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) (*Signer, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}

	return &Signer{secret: bytes.Clone(secret), now: time.Now}, nil
}

// Sign returns the timestamp and hex signature for body at time at.
func (s *Signer) Sign(body []byte, at time.Time) (timestamp, signature string, err error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", "", err
	}

	timestamp = strconv.FormatInt(at.UnixMilli(), 10)
	return timestamp, hex.EncodeToString(mac(s.secret, timestamp, canonical)), nil
}

// SignRequest sets the signature headers on r using the current time.
func (s *Signer) SignRequest(r *http.Request) error {
	body, err := readBody(r, DefaultMaxBodyBytes)
	if err != nil {
		return err
	}

	timestamp, signature, err := s.Sign(body, s.now())
	if err != nil {
		return fmt.Errorf("signature: can't sign %s %s: %w", r.Method, r.URL.Path, err)
	}

	r.Header.Set(aegis.TimestampHeader, timestamp)
	r.Header.Set(aegis.SignatureHeader, signature)
	return nil
}
