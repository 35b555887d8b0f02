// Package transport establishes the encrypted byte stream the relay
// protocol runs over. Two paths exist: a direct TLS socket (the normal
// mesh deployment) and a WebSocket bridge for relays published behind
// HTTP infrastructure. Both yield a net.Conn; everything above this
// package is transport-agnostic.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/bitmesh-tools/meshtap/internal/config"
)

// DialTLS opens a TLS connection to the relay. Mesh relays run on
// self-signed certificates, so cfg.Insecure disables chain verification
// the same way the reference clients do; the admission handshake is what
// actually gates the session.
//
// When a client certificate is configured, its SHA-256 is returned so the
// handshake can attest it in the HELLO payload.
func DialTLS(ctx context.Context, cfg *config.Config) (net.Conn, []byte, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.Insecure,
	}

	var certHash []byte
	if cfg.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		sum := sha256.Sum256(cert.Certificate[0])
		certHash = sum[:]
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    tlsCfg,
	}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial relay %s: %w", cfg.Addr, err)
	}
	return conn, certHash, nil
}
