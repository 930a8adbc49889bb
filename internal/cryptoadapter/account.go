package cryptoadapter

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

// KeyID identifies a one-time or fallback key, e.g. "AAAAAQ".
type KeyID string

// defaultPickleKey stands in when the caller configured no passphrase: the
// library always encrypts its pickles, so "unencrypted" mode is a fixed,
// well-known key. On-disk deployments configure a real passphrase.
var defaultPickleKey = []byte("matrix-crypto-core.unencrypted")

func pickleKeyOrDefault(key []byte) []byte {
	if len(key) == 0 {
		return defaultPickleKey
	}
	return key
}

// Account wraps the library's Olm account: the device's long-term Ed25519
// signing and Curve25519 identity keypairs plus its one-time key pool.
type Account struct {
	inner olm.Account
}

// NewAccount generates a fresh Olm account with a new identity keypair.
func NewAccount() (*Account, error) {
	inner, err := olm.NewAccount(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("new account: %w", err)
	}
	return &Account{inner: inner}, nil
}

// IdentityKeys returns the base64-encoded Ed25519 signing and Curve25519
// identity public keys, in the shape Matrix device_keys events use.
func (a *Account) IdentityKeys() (ed25519Key, curve25519Key string) {
	raw, err := a.inner.IdentityKeysJSON()
	if err != nil {
		return "", ""
	}
	var keys struct {
		Ed25519    string `json:"ed25519"`
		Curve25519 string `json:"curve25519"`
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return "", ""
	}
	return keys.Ed25519, keys.Curve25519
}

// Sign returns the base64-encoded Ed25519 signature over the Matrix
// canonical JSON encoding of obj.
func (a *Account) Sign(obj any) (string, error) {
	msg, err := Canonical(obj)
	if err != nil {
		return "", err
	}
	sig, err := a.inner.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return string(sig), nil
}

// VerifySignature checks a base64 Ed25519 signature over obj's canonical
// JSON against the given base64 Ed25519 public key.
func VerifySignature(ed25519PubKeyB64 string, obj any, signatureB64 string) error {
	msg, err := Canonical(obj)
	if err != nil {
		return err
	}
	ok, err := signatures.VerifySignature(msg, id.Ed25519(ed25519PubKeyB64), []byte(signatureB64))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// GenerateOneTimeKeys creates count new one-time Curve25519 keypairs and
// returns every not-yet-published key id mapped to its base64 public key,
// ready to be signed and uploaded to the homeserver by the caller.
func (a *Account) GenerateOneTimeKeys(count int) (map[KeyID]string, error) {
	if err := a.inner.GenOneTimeKeys(rand.Reader, uint(count)); err != nil {
		return nil, fmt.Errorf("generate one-time keys: %w", err)
	}
	keys, err := a.inner.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("list one-time keys: %w", err)
	}
	out := make(map[KeyID]string, len(keys))
	for keyID, key := range keys {
		out[KeyID(keyID)] = key.String()
	}
	return out, nil
}

// MarkKeysAsPublished records that every currently-unpublished one-time key
// has been uploaded, so it is not offered again.
func (a *Account) MarkKeysAsPublished() {
	a.inner.MarkKeysAsPublished()
}

// UnpublishedOneTimeKeyCount returns how many generated one-time keys have
// not yet been marked published.
func (a *Account) UnpublishedOneTimeKeyCount() int {
	keys, err := a.inner.OneTimeKeys()
	if err != nil {
		return 0
	}
	return len(keys)
}

// Pickle serializes the account, encrypted with key (or the fixed
// unencrypted-mode key when empty).
func (a *Account) Pickle(key []byte) (string, error) {
	pickled, err := a.inner.Pickle(pickleKeyOrDefault(key))
	if err != nil {
		return "", fmt.Errorf("pickle account: %w", err)
	}
	return string(pickled), nil
}

// UnpickleAccount restores an account previously serialized with Pickle.
func UnpickleAccount(serialized string, key []byte) (*Account, error) {
	inner, err := olm.AccountFromPickled([]byte(serialized), pickleKeyOrDefault(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickleKey, err)
	}
	return &Account{inner: inner}, nil
}
