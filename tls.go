package main

import (
	"crypto/tls"
	"fmt"
)

// loadTLSConfig loads the server certificate and key for the chat listener.
// Failure here is fatal for the process; the server never falls back to
// plaintext unless -no-tls is given explicitly.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair (%s, %s): %w", certFile, keyFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
