// Package config holds the client configuration types.
package config

import "time"

// Config stores all parameters for one relay session, gathered from CLI
// flags or interactive prompts.
type Config struct {
	// Network
	Addr   string // relay host:port for TLS, or a ws:// / wss:// URL
	PeerID string // fixed-width 8-byte identifier (padded/truncated)

	// TLS
	Insecure       bool   // skip certificate verification (mesh relays are self-signed)
	ClientCertFile string // optional PEM cert; its SHA-256 is attested in HELLO
	ClientKeyFile  string

	// Packet defaults
	TTL           byte
	PacketVersion byte

	// Limits
	MaxFramePayload  int   // refuse inbound frames above this size
	MaxPoWDifficulty uint8 // refuse challenges above this before solving

	// Timeouts
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration // 0 = no steady-state read deadline
}

// Default returns the configuration matching the reference relay deployment.
func Default() *Config {
	return &Config{
		Addr:   "192.168.1.1:7275",
		PeerID: "meshtap0",

		Insecure: false,

		TTL:           7,
		PacketVersion: 1,

		MaxFramePayload:  64 * 1024,
		MaxPoWDifficulty: 26,

		KeepaliveInterval: 30 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		IdleTimeout:       0,
	}
}
