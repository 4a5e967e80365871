package softauthn

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	storeVersion = 1

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrBadPassphrase is returned by Load when the credential file cannot be
// opened with the given passphrase.
var ErrBadPassphrase = errors.New("could not decrypt credential file: wrong passphrase or corrupted file")

type sealedFile struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Sealed  []byte `json:"sealed"`
}

type storedCredential struct {
	ID         []byte `json:"id"`
	RPID       string `json:"rpId"`
	UserHandle []byte `json:"userHandle"`
	UserName   string `json:"userName"`
	PrivateKey []byte `json:"privateKey"` // PKCS#8 DER
	SignCount  uint32 `json:"signCount"`
}

// Save writes every credential to path in creation order, sealed with a key derived from
// passphrase.
func (a *Authenticator) Save(path, passphrase string) error {
	if passphrase == "" {
		return errors.New("a passphrase is required to store credentials")
	}

	a.mu.Lock()
	stored := make([]storedCredential, 0, len(a.credentials))
	for _, cred := range a.credentials {
		der, err := x509.MarshalPKCS8PrivateKey(cred.PrivateKey)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("could not encode credential key: %w", err)
		}
		stored = append(stored, storedCredential{
			ID:         cred.ID,
			RPID:       cred.RPID,
			UserHandle: cred.UserHandle,
			UserName:   cred.UserName,
			PrivateKey: der,
			SignCount:  cred.SignCount,
		})
	}
	a.mu.Unlock()

	plaintext, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	file := sealedFile{Version: storeVersion, Salt: make([]byte, 16), Nonce: make([]byte, 24)}
	if _, err := io.ReadFull(rand.Reader, file.Salt); err != nil {
		return err
	}
	if _, err := io.ReadFull(rand.Reader, file.Nonce); err != nil {
		return err
	}

	key, err := deriveKey(passphrase, file.Salt)
	if err != nil {
		return err
	}
	var nonce [24]byte
	copy(nonce[:], file.Nonce)
	file.Sealed = secretbox.Seal(nil, plaintext, &nonce, key)

	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o600)
}

// Load reads a credential file written by Save.
func Load(path, passphrase, origin string) (*Authenticator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file sealedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("could not parse credential file: %w", err)
	}
	if file.Version != storeVersion {
		return nil, fmt.Errorf("unsupported credential file version %d", file.Version)
	}
	if len(file.Nonce) != 24 {
		return nil, errors.New("invalid credential file nonce")
	}

	key, err := deriveKey(passphrase, file.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], file.Nonce)
	plaintext, ok := secretbox.Open(nil, file.Sealed, &nonce, key)
	if !ok {
		return nil, ErrBadPassphrase
	}

	var stored []storedCredential
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("could not parse credentials: %w", err)
	}

	a := New(origin)
	for _, s := range stored {
		parsed, err := x509.ParsePKCS8PrivateKey(s.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("could not parse credential key: %w", err)
		}
		privateKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unexpected credential key type %T", parsed)
		}
		a.credentials = append(a.credentials, &Credential{
			ID:         s.ID,
			RPID:       s.RPID,
			UserHandle: s.UserHandle,
			UserName:   s.UserName,
			PrivateKey: privateKey,
			SignCount:  s.SignCount,
		})
	}
	return a, nil
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("could not derive credential file key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
