package gitsync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/vault-gitsync/internal/errors"
	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// hkdfKeyLen is the output length for HKDF-derived subkeys.
	hkdfKeyLen = 32

	// maxPathLen bounds decompressed path tokens so a hostile tree entry
	// cannot inflate into an arbitrarily large string.
	maxPathLen = 4096
)

var (
	pathKeyInfo    = []byte("vault-gitsync path")
	contentKeyInfo = []byte("vault-gitsync content")
)

// pathEncoding is URL-safe so tokens never contain "/" and can be used as
// single tree entry names.
var pathEncoding = base64.RawURLEncoding

// DeriveKey derives a 32-byte encryption key from password and salt using scrypt.
// Parameters: N=32768, r=8, p=1. Both inputs are normalized to NFKC before hashing.
func DeriveKey(password, salt string) ([]byte, error) {
	password = norm.NFKC.String(password)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after passing the key to NewVaultCipher.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// Cipher is the encryption scheme used for everything stored on the
// remote. The engine depends on this interface so tests can substitute
// a transparent implementation.
type Cipher interface {
	// EncryptPath encrypts a plaintext path deterministically.
	EncryptPath(path string) (string, error)
	// DecryptPath reverses EncryptPath.
	DecryptPath(token string) (string, error)
	// EncryptContent encrypts file content with a fresh nonce and returns
	// a transport-safe string.
	EncryptContent(data []byte) (string, error)
	// DecryptContent reverses EncryptContent.
	DecryptContent(blob []byte) ([]byte, error)
}

// VaultCipher encrypts paths and contents with two HKDF-SHA256 subkeys of
// the scrypt key.
//
//   - Paths: raw DEFLATE, then AES-256-CTR with a fixed all-zero IV, then
//     base64url without padding. Identical paths always produce identical
//     tokens, which is what lets the engine compare remote trees against
//     local paths and skip unchanged uploads. The price is that anyone
//     holding the tree can see which entries share a path and can XOR two
//     tokens to learn about their plaintexts. The scheme is not IND-CPA
//     secure and must stay deterministic.
//   - Content: AES-256-GCM with a random 12-byte nonce, stored as
//     base64(nonce ‖ ciphertext ‖ tag).
type VaultCipher struct {
	pathBlock cipher.Block
	gcm       cipher.AEAD
}

var _ Cipher = (*VaultCipher)(nil)

// NewVaultCipher creates a VaultCipher from a 32-byte key. Derived subkeys
// are zeroed once the cipher objects hold their own copies.
func NewVaultCipher(key []byte) (*VaultCipher, error) {
	if len(key) != scryptKeyLen {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), scryptKeyLen)
	}

	pathKey, err := hkdfDeriveKey(key, nil, pathKeyInfo, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving path key: %w", err)
	}

	contentKey, err := hkdfDeriveKey(key, nil, contentKeyInfo, hkdfKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving content key: %w", err)
	}

	pathBlock, err := aes.NewCipher(pathKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	contentBlock, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(contentBlock)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	subtle.ConstantTimeCopy(1, pathKey, make([]byte, len(pathKey)))
	subtle.ConstantTimeCopy(1, contentKey, make([]byte, len(contentKey)))

	return &VaultCipher{pathBlock: pathBlock, gcm: gcm}, nil
}

// hkdfDeriveKey derives keyLen bytes using HKDF-SHA256 with the given IKM,
// salt, and info parameters.
func hkdfDeriveKey(ikm, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// pathStream returns a CTR keystream starting from the all-zero IV.
func (c *VaultCipher) pathStream() cipher.Stream {
	return cipher.NewCTR(c.pathBlock, make([]byte, aes.BlockSize))
}

// EncryptPath compresses and encrypts a path. See VaultCipher for the
// determinism trade-off.
func (c *VaultCipher) EncryptPath(path string) (string, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("creating compressor: %w", err)
	}

	if _, err := w.Write([]byte(path)); err != nil {
		return "", fmt.Errorf("compressing path: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("compressing path: %w", err)
	}

	ct := make([]byte, buf.Len())
	c.pathStream().XORKeyStream(ct, buf.Bytes())

	return pathEncoding.EncodeToString(ct), nil
}

// DecryptPath reverses EncryptPath. Any decoding, decompression, or
// validation failure is reported as a *apperrors.DecryptionError.
func (c *VaultCipher) DecryptPath(token string) (string, error) {
	if token == "" {
		return "", pathError(errors.New("empty token"))
	}

	ct, err := pathEncoding.DecodeString(token)
	if err != nil {
		return "", pathError(fmt.Errorf("decoding token: %w", err))
	}

	compressed := make([]byte, len(ct))
	c.pathStream().XORKeyStream(compressed, ct)

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	plain, err := io.ReadAll(io.LimitReader(r, maxPathLen+1))
	if err != nil {
		return "", pathError(fmt.Errorf("decompressing: %w", err))
	}

	if len(plain) == 0 || len(plain) > maxPathLen {
		return "", pathError(fmt.Errorf("invalid path length %d", len(plain)))
	}

	path := string(plain)
	if !utf8.ValidString(path) || strings.ContainsRune(path, 0) {
		return "", pathError(errors.New("path is not valid text"))
	}

	return path, nil
}

// EncryptContent encrypts data with AES-GCM under a fresh random nonce.
// Returns base64(nonce ‖ ciphertext ‖ tag).
func (c *VaultCipher) EncryptContent(data []byte) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, data, nil)
	result := make([]byte, len(nonce)+len(sealed))
	copy(result, nonce)
	copy(result[len(nonce):], sealed)

	return base64.StdEncoding.EncodeToString(result), nil
}

// DecryptContent decodes and decrypts a blob produced by EncryptContent.
func (c *VaultCipher) DecryptContent(blob []byte) ([]byte, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))

	n, err := base64.StdEncoding.Decode(data, bytes.TrimSpace(blob))
	if err != nil {
		return nil, contentError(fmt.Errorf("decoding base64: %w", err))
	}

	data = data[:n]

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, contentError(fmt.Errorf("ciphertext too short: %d bytes", len(data)))
	}

	plain, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, contentError(err)
	}

	return plain, nil
}

func pathError(err error) error {
	return &apperrors.DecryptionError{Op: "path", Err: err}
}

func contentError(err error) error {
	return &apperrors.DecryptionError{Op: "content", Err: err}
}

// DecryptOutcome records how a remote value was turned into plaintext.
type DecryptOutcome int

const (
	// OutcomeDecrypted means decryption succeeded.
	OutcomeDecrypted DecryptOutcome = iota
	// OutcomeFallbackRaw means content decryption failed and the raw blob
	// bytes were returned instead. Availability wins over confidentiality
	// here: a file written by an unencrypted client still syncs.
	OutcomeFallbackRaw
	// OutcomeSkippedNode means a tree entry's path could not be decrypted
	// and the entry was left out of the tree.
	OutcomeSkippedNode
)

func (o DecryptOutcome) String() string {
	switch o {
	case OutcomeDecrypted:
		return "decrypted"
	case OutcomeFallbackRaw:
		return "fallback-raw"
	case OutcomeSkippedNode:
		return "skipped-node"
	default:
		return fmt.Sprintf("DecryptOutcome(%d)", int(o))
	}
}

// ContentResult is the plaintext of a blob together with how it was
// obtained. Err holds the decryption failure for OutcomeFallbackRaw.
type ContentResult struct {
	Data    []byte
	Outcome DecryptOutcome
	Err     error
}

// OpenContent decrypts a blob, falling back to the raw bytes when the blob
// does not decrypt.
func OpenContent(c Cipher, blob []byte) ContentResult {
	plain, err := c.DecryptContent(blob)
	if err != nil {
		return ContentResult{Data: blob, Outcome: OutcomeFallbackRaw, Err: err}
	}

	return ContentResult{Data: plain, Outcome: OutcomeDecrypted}
}
