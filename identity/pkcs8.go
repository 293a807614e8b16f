/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"fmt"
)

// marshalPKCS8 delegates to the standard library's PKCS8 encoder, which
// writes a version-0 PrivateKeyInfo holding only the 32-byte Ed25519
// seed; the public key is not embedded in the envelope and parsePKCS8
// re-derives it from the seed. Round-tripping through
// x509.ParsePKCS8PrivateKey is how save/load stays consistent without
// a hand-rolled ASN.1 encoder.
func marshalPKCS8(k *KeyPair) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal pkcs8: %w", err)
	}
	return der, nil
}

func parsePKCS8(der []byte) (*KeyPair, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedType
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrMalformed
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}
