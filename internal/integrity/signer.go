package integrity

import (
	"crypto/ed25519"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Signer signs and verifies chain hashes.
type Signer interface {
	// Sign returns a signature over chainHash and the id of the key used.
	Sign(aggregateID, chainHash string) (signature, keyID string, err error)
	// Verify checks a signature produced by Sign.
	Verify(aggregateID, chainHash, signature, keyID string) error
}

// ErrSignatureMismatch is returned when a signature does not match.
var ErrSignatureMismatch = errors.New("integrity: signature mismatch")

// HMACKeyring signs chain hashes with HMAC-SHA256 under per-aggregate keys
// derived from a root key with HKDF. Multiple root keys may be loaded for
// rotation; only the active key signs.
type HMACKeyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewHMACKeyring creates a keyring. activeKeyID must name one of keys.
func NewHMACKeyring(keys map[string][]byte, activeKeyID string) (*HMACKeyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keyring: at least one key is required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("hmac keyring: active key id is required")
	}

	copied := make(map[string][]byte, len(keys))
	for id, key := range keys {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("hmac keyring: key id is required")
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("hmac keyring: key %q is shorter than 16 bytes", id)
		}
		copied[id] = append([]byte(nil), key...)
	}
	if _, ok := copied[activeKeyID]; !ok {
		return nil, fmt.Errorf("hmac keyring: active key %q is not loaded", activeKeyID)
	}
	return &HMACKeyring{keys: copied, activeKeyID: activeKeyID}, nil
}

// ParseHMACKeys parses "id=hex,id=hex" into a key map.
func ParseHMACKeys(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, encoded, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("hmac keys: %q is not id=hex", part)
		}
		key, err := hex.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("hmac keys: key %q: %w", id, err)
		}
		keys[strings.TrimSpace(id)] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys: no keys in %q", spec)
	}
	return keys, nil
}

// ActiveKeyID returns the id of the signing key.
func (k *HMACKeyring) ActiveKeyID() string {
	return k.activeKeyID
}

// KeyIDs returns the loaded key ids, sorted.
func (k *HMACKeyring) KeyIDs() []string {
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sign implements Signer.
func (k *HMACKeyring) Sign(aggregateID, chainHash string) (string, string, error) {
	if aggregateID == "" || chainHash == "" {
		return "", "", fmt.Errorf("hmac sign: aggregate id and chain hash are required")
	}
	key, err := k.derive(k.activeKeyID, aggregateID)
	if err != nil {
		return "", "", err
	}
	return hmacHex(key, chainHash), k.activeKeyID, nil
}

// Verify implements Signer.
func (k *HMACKeyring) Verify(aggregateID, chainHash, signature, keyID string) error {
	if keyID == "" {
		return fmt.Errorf("hmac verify: key id is required")
	}
	key, err := k.derive(keyID, aggregateID)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("hmac verify: %w", err)
	}
	want, _ := hex.DecodeString(hmacHex(key, chainHash))
	if !hmac.Equal(got, want) {
		return ErrSignatureMismatch
	}
	return nil
}

func (k *HMACKeyring) derive(keyID, aggregateID string) ([]byte, error) {
	root, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac keyring: unknown key %q", keyID)
	}
	return hkdf.Key(sha256.New, root, nil, "aggregate:"+aggregateID, 32)
}

func hmacHex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Ed25519Signer signs chain hashes with an Ed25519 key. A signer built from
// a public key only can verify but not sign.
type Ed25519Signer struct {
	keyID   string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewEd25519Signer creates a signing Ed25519Signer from a 32-byte seed.
func NewEd25519Signer(keyID string, seed []byte) (*Ed25519Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("ed25519: key id is required")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{keyID: keyID, private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

// NewEd25519Verifier creates a verify-only Ed25519Signer.
func NewEd25519Verifier(keyID string, public []byte) (*Ed25519Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("ed25519: key id is required")
	}
	if len(public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(public))
	}
	return &Ed25519Signer{keyID: keyID, public: append(ed25519.PublicKey(nil), public...)}, nil
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.public)
}

// Sign implements Signer. The aggregate id is bound into the signed message.
func (s *Ed25519Signer) Sign(aggregateID, chainHash string) (string, string, error) {
	if s.private == nil {
		return "", "", fmt.Errorf("ed25519: signer %q has no private key", s.keyID)
	}
	sig := ed25519.Sign(s.private, signedMessage(aggregateID, chainHash))
	return hex.EncodeToString(sig), s.keyID, nil
}

// Verify implements Signer.
func (s *Ed25519Signer) Verify(aggregateID, chainHash, signature, keyID string) error {
	if keyID != s.keyID {
		return fmt.Errorf("ed25519: unknown key %q", keyID)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("ed25519: %w", err)
	}
	if !ed25519.Verify(s.public, signedMessage(aggregateID, chainHash), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

func signedMessage(aggregateID, chainHash string) []byte {
	return []byte("aggregate:" + aggregateID + "\x00" + chainHash)
}
