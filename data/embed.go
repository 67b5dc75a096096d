// Package data holds the policy files built into the binary.
package data

import "embed"

var (
	//go:embed policy.yaml all:routes
	Policies embed.FS
)
