// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - OAEP-SHA1 is fixed by the SPICE ticket format
	"crypto/x509"
	"io"
	"runtime"
)

// SECURITY WARNING: the SPICE ticket protects only the password. Channel
// traffic itself is not encrypted unless the transport is (wss:// or a TLS
// tunnel).

// TicketEncrypter encrypts the password ticket against the server's key.
type TicketEncrypter interface {
	// EncryptTicket returns exactly TicketBytes of ciphertext for password.
	EncryptTicket(pubKey []byte, password string) ([]byte, error)
}

// RSATicketEncrypter implements the standard SPICE ticket: the password plus a
// trailing NUL, RSA-OAEP with SHA-1 against the DER SubjectPublicKeyInfo the
// server sends in its link reply.
type RSATicketEncrypter struct {
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// EncryptTicket encrypts password for the given public key.
func (e *RSATicketEncrypter) EncryptTicket(pubKey []byte, password string) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(pubKey)
	if err != nil {
		return nil, authenticationError("RSATicketEncrypter.EncryptTicket", "server public key is not valid", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, authenticationError("RSATicketEncrypter.EncryptTicket", "server public key is not RSA", nil)
	}

	// OAEP-SHA1 leaves k-42 bytes of plaintext room, 86 for a 1024-bit key.
	if len(password)+1 > key.Size()-2*sha1.Size-2 {
		return nil, validationError("RSATicketEncrypter.EncryptTicket", "password too long for ticket", nil)
	}

	plain := make([]byte, len(password)+1)
	copy(plain, password)
	sm := &SecureMemory{}
	defer sm.ClearBytes(plain)

	random := e.Rand
	if random == nil {
		random = rand.Reader
	}
	out, err := rsa.EncryptOAEP(sha1.New(), random, key, plain, nil) // #nosec G401
	if err != nil {
		return nil, authenticationError("RSATicketEncrypter.EncryptTicket", "ticket encryption failed", err)
	}
	if len(out) != TicketBytes {
		return nil, authenticationError("RSATicketEncrypter.EncryptTicket", "unexpected ticket size", nil)
	}
	return out, nil
}

// SecureMemory provides utilities for handling sensitive data in memory.
type SecureMemory struct{}

// ClearBytes overwrites a byte slice holding secret material.
func (sm *SecureMemory) ClearBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	randomData := make([]byte, len(data))
	if _, err := rand.Read(randomData); err == nil {
		copy(data, randomData)
	}

	for i := range data {
		data[i] = 0
	}
	for i := range randomData {
		randomData[i] = 0
	}

	runtime.KeepAlive(data)
}
