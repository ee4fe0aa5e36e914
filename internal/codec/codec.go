package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrBadKey indicates the master key is missing or the wrong length.
var ErrBadKey = errors.New("master key must be 32 bytes (64 hex characters)")

// ErrDecrypt indicates decryption failed: wrong key, truncated or corrupt
// ciphertext. Decoding fails closed, it never returns garbage plaintext.
var ErrDecrypt = errors.New("artifact decryption failed")

// Codec compresses and encrypts backup streams. Encode produces the final
// artifact bytes along with their SHA-256 checksum; Decode reverses it.
// The same Codec value is safe for concurrent use.
type Codec struct {
	key []byte
}

// New builds a Codec from a hex-encoded 256-bit master key.
func New(masterKeyHex string) (*Codec, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(key) != 32 {
		return nil, ErrBadKey
	}
	return &Codec{key: key}, nil
}

// Encode reads the raw stream, gzips it at maximum compression, encrypts
// the result with AES-256-GCM (random nonce prepended), and returns the
// artifact bytes, the hex SHA-256 of those bytes, and the compression
// ratio (compressed/raw; 1 when the input is empty).
func (c *Codec) Encode(r io.Reader) (artifact []byte, checksum string, ratio float64, err error) {
	var compressed bytes.Buffer
	zw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, "", 0, fmt.Errorf("gzip writer: %w", err)
	}
	rawSize, err := io.Copy(zw, r)
	if err != nil {
		return nil, "", 0, fmt.Errorf("compress stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", 0, fmt.Errorf("flush gzip: %w", err)
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, "", 0, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", 0, fmt.Errorf("generate nonce: %w", err)
	}
	artifact = gcm.Seal(nonce, nonce, compressed.Bytes(), nil)

	sum := sha256.Sum256(artifact)
	checksum = hex.EncodeToString(sum[:])

	ratio = 1
	if rawSize > 0 {
		ratio = float64(compressed.Len()) / float64(rawSize)
	}
	return artifact, checksum, ratio, nil
}

// Decode decrypts and decompresses an artifact produced by Encode.
func (c *Codec) Decode(artifact []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(artifact) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: artifact shorter than nonce", ErrDecrypt)
	}
	nonce, ciphertext := artifact[:gcm.NonceSize()], artifact[gcm.NonceSize():]
	compressed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress stream: %w", err)
	}
	return raw, nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// Checksum returns the hex SHA-256 of data, the same digest Encode records.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
