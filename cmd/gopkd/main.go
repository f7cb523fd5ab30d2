// Command gopkd inspects and validates ICAO 9303 PKD objects.
//
// Usage:
//
//	gopkd <command> [flags] <args>
//
// Commands:
//
//	detect      Detect the PKD format of files
//	parse       Extract certificates and CRLs from a PKD file
//	classify    Classify and describe the certificates in a file
//	validate    Check validity period, signature and purpose of a certificate
//	revocation  Check a certificate against the latest stored CRL of its issuer
//	linkcert    Validate a CSCA link certificate against the stored CSCAs
//	sod         Parse a Document Security Object and verify its signature
//	dvl         Parse a Deviation List
//	masterlist  Parse a CSCA Master List
//	import      Load CSCAs and CRLs into the configured store
//	version     Show version information
//
// Examples:
//
//	# Validate a document signer against its CSCA
//	gopkd validate --issuer csca.pem dsc.der
//
//	# Check a link certificate against a PostgreSQL backed store
//	gopkd --config gopkd.yaml linkcert link.cer
//
//	# Verify an SOD and its DG1 with JSON output
//	gopkd --json sod --dg 1=EF.DG1 EF.SOD
package main

import (
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/georgepadayatti/gopkd/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/gopkd
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	os.Exit(cli.Run(os.Args))
}
