package mailio

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// TLSInfo returns human-readable strings about the TLS connection, for use in
// logging.
func TLSInfo(cs tls.ConnectionState) (version, ciphersuite string) {
	versions := map[uint16]string{
		tls.VersionTLS10: "tls1.0",
		tls.VersionTLS11: "tls1.1",
		tls.VersionTLS12: "tls1.2",
		tls.VersionTLS13: "tls1.3",
	}

	v, ok := versions[cs.Version]
	if ok {
		version = v
	} else {
		version = fmt.Sprintf("unknown-%x", cs.Version)
	}

	ciphersuite = strings.ToLower(tls.CipherSuiteName(cs.CipherSuite))
	return
}
