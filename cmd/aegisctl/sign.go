package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/uvensys/aegis"
)

var errNoSecret = errors.New("-secret or -secret-file is required")

func runSign(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("sign")
	data := fs.String("data", "", "request body, @file reads it from a file and @- from stdin")
	secret := fs.String("secret", "", "HMAC secret")
	secretFile := fs.String("secret-file", "", "file name containing value for -secret")
	timestamp := fs.Int64("timestamp", 0, "signing time in unix milliseconds, defaults to now")
	if err := parse(fs, args); err != nil {
		return err
	}

	signer, err := loadSigner(*secret, *secretFile)
	if err != nil {
		return err
	}
	if signer == nil {
		return fmt.Errorf("%w: %w", errUsage, errNoSecret)
	}

	body, err := readData(*data)
	if err != nil {
		return fmt.Errorf("can't read request body: %w", err)
	}

	at := time.Now()
	if *timestamp != 0 {
		at = time.UnixMilli(*timestamp)
	}

	ts, sig, err := signer.Sign(body, at)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s: %s\n%s: %s\n", aegis.TimestampHeader, ts, aegis.SignatureHeader, sig)
	return nil
}
