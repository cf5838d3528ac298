// Package keystore manages the daemon's single long-lived Ed25519 signing
// key pair, persisted at rest with the private half wrapped under a
// machine-derived AES-256-GCM key.
//
// Signing is best-effort: a keystore that cannot be loaded or decrypted is
// silently regenerated, and sign() returns an empty signature rather than
// an error when no usable key is available. Chain integrity never depends
// on the keystore for forward progress (SPEC_FULL.md §4.1, §7).
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const fileVersion = 1

// artifact is the on-disk JSON shape of keystore.json.
type artifact struct {
	Version    int    `json:"version"`
	PublicKey  string `json:"public_key"`  // hex
	Salt       string `json:"salt"`        // hex, random per installation
	Nonce      string `json:"nonce"`       // hex, GCM IV
	Ciphertext string `json:"ciphertext"`  // hex, wrapped private key (without tag)
	Tag        string `json:"tag"`         // hex, GCM authentication tag
}

// Keystore exposes sign and publicKey over the installation's key pair.
type Keystore struct {
	path    string
	public  ed25519.PublicKey
	private ed25519.PrivateKey // nil if unavailable
}

// Load opens (or creates) the keystore artifact at path. Decryption
// failure or a missing/corrupt file causes silent regeneration: the
// daemon must never fail to start because of a broken keystore.
func Load(path string) *Keystore {
	ks := &Keystore{path: path}

	if data, err := os.ReadFile(path); err == nil {
		var a artifact
		if err := json.Unmarshal(data, &a); err == nil {
			if pub, priv, err := decode(a); err == nil {
				ks.public = pub
				ks.private = priv
				return ks
			}
		}
	}

	if err := ks.generate(); err != nil {
		// Keystore unavailable; signing becomes a no-op (KeystoreUnavailable, §7).
		ks.public = nil
		ks.private = nil
	}
	return ks
}

// generate creates a fresh key pair and persists it, enforcing 0600
// permissions the way credentials.toml enforces 0400.
func (ks *Keystore) generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("read salt: %w", err)
	}

	a, err := encode(pub, priv, salt)
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return err
	}

	ks.public = pub
	ks.private = priv
	return nil
}

// Sign returns the hex signature over hashHex, or "" if no key is loaded.
func (ks *Keystore) Sign(hashHex string) string {
	if ks.private == nil {
		return ""
	}
	sig := ed25519.Sign(ks.private, []byte(hashHex))
	return hex.EncodeToString(sig)
}

// PublicKey returns the installation's public key, or nil if unavailable.
func (ks *Keystore) PublicKey() ed25519.PublicKey {
	return ks.public
}

// Available reports whether a usable signing key is loaded.
func (ks *Keystore) Available() bool {
	return ks.private != nil
}

// encode wraps the private key with AES-256-GCM under a key derived via
// HKDF-SHA256 from machine-stable entropy and the given salt.
func encode(pub ed25519.PublicKey, priv ed25519.PrivateKey, salt []byte) (artifact, error) {
	aeadKey, err := deriveKey(salt)
	if err != nil {
		return artifact{}, err
	}

	block, err := aes.NewCipher(aeadKey)
	if err != nil {
		return artifact{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return artifact{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return artifact{}, err
	}

	sealed := gcm.Seal(nil, nonce, priv, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return artifact{
		Version:    fileVersion,
		PublicKey:  hex.EncodeToString(pub),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

func decode(a artifact) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	salt, err := hex.DecodeString(a.Salt)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := hex.DecodeString(a.Nonce)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := hex.DecodeString(a.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	tag, err := hex.DecodeString(a.Tag)
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(a.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	aeadKey, err := deriveKey(salt)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(aeadKey)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	priv, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt private key: %w", err)
	}

	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}

// deriveKey derives a 32-byte AES-256 key from machine-stable entropy
// (hostname + current user + GOOS) and the installation salt via
// HKDF-SHA256, with a fixed domain label as the HKDF info.
func deriveKey(salt []byte) ([]byte, error) {
	entropy := machineEntropy()
	r := hkdf.New(sha256.New, []byte(entropy), salt, []byte("useai-sessiond-keystore-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func machineEntropy() string {
	host, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return fmt.Sprintf("%s|%s|%s", host, username, runtime.GOOS)
}
