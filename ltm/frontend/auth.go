package frontend

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/skerr"
)

const pbkdf2Iterations = 234567

const randomCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Credentials is the single-user auth record persisted in the server's
// state directory: a randomly generated username and salt, and a
// PBKDF2-HMAC-SHA512 password hash, hex-encoded.
type Credentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password"`
	Salt         string `json:"salt"`
}

// HashPassword computes the hex-encoded PBKDF2-HMAC-SHA512 hash of
// password with salt.
func HashPassword(password, salt string) string {
	sum := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, sha512.Size, sha512.New)
	return hex.EncodeToString(sum)
}

// Validate reports whether password matches these credentials.
func (c *Credentials) Validate(password string) bool {
	return c.PasswordHash == HashPassword(password, c.Salt)
}

// LoadOrCreateCredentials reads credsPath if it already holds a complete
// record, or else fetches the initial password from the "ltm-pass" blob
// in storage, generates a random username and salt, hashes it, and
// persists the result.
func LoadOrCreateCredentials(ctx context.Context, credsPath string, storage gcs.Client) (*Credentials, error) {
	if creds, ok := readCredentials(credsPath); ok {
		return creds, nil
	}

	raw, err := storage.DownloadString(ctx, "ltm-pass")
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching initial password from ltm-pass blob")
	}
	password := strings.TrimSpace(raw)

	username, err := randomString(8)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	salt, err := randomString(20)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	creds := &Credentials{
		Username:     username,
		PasswordHash: HashPassword(password, salt),
		Salt:         salt,
	}
	if err := writeCredentials(credsPath, creds); err != nil {
		return nil, skerr.Wrap(err)
	}
	return creds, nil
}

func readCredentials(path string) (*Credentials, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, false
	}
	if creds.Username == "" || creds.PasswordHash == "" || creds.Salt == "" {
		return nil, false
	}
	return &creds, true
}

func writeCredentials(path string, creds *Credentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.WriteFile(path, b, 0600))
}

func randomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(randomCharset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", skerr.Wrap(err)
		}
		out[i] = randomCharset[idx.Int64()]
	}
	return string(out), nil
}

// loadOrCreateSecret reads a persisted random secret from path, or
// generates and persists size bytes of random data if none exists,
// mirroring app.py's secret_key_path handling for the session-signing
// key.
func loadOrCreateSecret(path string, size int) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) >= size {
		return b[:size], nil
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, skerr.Wrap(err)
	}
	return secret, nil
}
