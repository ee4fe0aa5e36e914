package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(key)
}

func TestNew_RejectsBadKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"short", "deadbeef"},
		{"not hex", strings.Repeat("zz", 32)},
		{"too long", strings.Repeat("ab", 48)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.key)
			require.ErrorIs(t, err, ErrBadKey)
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	big := make([]byte, 3<<20)
	if _, err := rand.Read(big); err != nil {
		t.Fatalf("generate payload: %v", err)
	}

	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"small text", []byte("INSERT INTO tenants VALUES (1, 'acme');")},
		{"repetitive dump", bytes.Repeat([]byte("row,row,row\n"), 100_000)},
		{"incompressible multi-MB", big},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			artifact, checksum, ratio, err := c.Encode(bytes.NewReader(tc.payload))
			require.NoError(t, err)
			require.Equal(t, Checksum(artifact), checksum)
			require.Greater(t, ratio, 0.0)

			raw, err := c.Decode(artifact)
			require.NoError(t, err)
			require.Equal(t, tc.payload, raw)
		})
	}
}

func TestEncode_CompressesTextualDumps(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	dump := bytes.Repeat([]byte("INSERT INTO orders VALUES (42, 'pending', 'acme');\n"), 50_000)
	artifact, _, ratio, err := c.Encode(bytes.NewReader(dump))
	require.NoError(t, err)
	require.Less(t, len(artifact), len(dump))
	require.Less(t, ratio, 0.3, "textual dumps should compress to well under 30%%")
}

func TestDecode_WrongKeyFailsClosed(t *testing.T) {
	c1, err := New(testKey(t))
	require.NoError(t, err)
	c2, err := New(testKey(t))
	require.NoError(t, err)

	artifact, _, _, err := c1.Encode(strings.NewReader("secret payload"))
	require.NoError(t, err)

	_, err = c2.Decode(artifact)
	require.True(t, errors.Is(err, ErrDecrypt), "expected ErrDecrypt, got %v", err)
}

func TestDecode_CorruptArtifactFailsClosed(t *testing.T) {
	c, err := New(testKey(t))
	require.NoError(t, err)

	artifact, _, _, err := c.Encode(strings.NewReader("secret payload"))
	require.NoError(t, err)

	// Flip one byte in the ciphertext body.
	artifact[len(artifact)-1] ^= 0xff
	_, err = c.Decode(artifact)
	require.ErrorIs(t, err, ErrDecrypt)

	// Truncated artifact.
	_, err = c.Decode(artifact[:4])
	require.ErrorIs(t, err, ErrDecrypt)
}
