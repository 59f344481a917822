/*
Copyright 2013 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package acdpcrypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// AESFactory is a concrete CipherFactory over AES-128 CTR (WR, a stream
// cipher) and AES-128 ECB-style block access (RO), grounded on
// perkeep.org/pkg/blobserver/encrypt's use of crypto/aes and crypto/cipher.
// It exists to exercise acdpcrypto.Provider in tests and as a reference
// implementation; production embedders are expected to supply their own
// CipherFactory (the construction API itself is out of spec.md's scope).
type AESFactory struct {
	Key [16]byte
	IV  [aes.BlockSize]byte
}

func (f *AESFactory) CreateAndInitWRCipher(encrypt bool) (StreamCipher, error) {
	block, err := aes.NewCipher(f.Key[:])
	if err != nil {
		return nil, acdperr.Wrap(acdperr.CryptoFailure, err, "aes.NewCipher")
	}
	if encrypt {
		return cipher.NewCTR(block, f.IV[:]), nil
	}
	return cipher.NewCTR(block, f.IV[:]), nil
}

func (f *AESFactory) CreateROCipher() (BlockCipher, error) {
	block, err := aes.NewCipher(f.Key[:])
	if err != nil {
		return nil, acdperr.Wrap(acdperr.CryptoFailure, err, "aes.NewCipher")
	}
	return block, nil
}

func (f *AESFactory) InitROCipher(h BlockCipher, encrypt bool) error {
	return nil // AES block ciphers from crypto/aes need no further init.
}
