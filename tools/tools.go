//go:build tools

// Package tools pins the linters and scanners run by CI so go.mod tracks
// their versions.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
