// Command goasic signs and validates ASiC-E and BDOC containers.
//
// Usage:
//
//	goasic <command> [flags] <args>
//
// Commands:
//
//	sign     Sign files into a new or existing container
//	verify   Validate the signatures of a container
//	extend   Extend every signature of a container to LT or LTA
//	tsl      Refresh or clear the EU trusted lists
//	version  Show version information
//
// Examples:
//
//	# Sign two files with a PKCS#12 keystore
//	goasic sign --token pkcs12 --keystore signer.p12 --password secret out.asice a.txt b.pdf
//
//	# Validate against the EU trusted lists with JSON output
//	goasic verify --tsl --format json out.asice
package main

import (
	"os"

	"github.com/georgepadayatti/goasic/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/goasic
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
