package frontend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tytso/xfstests-bld/go/gcs"
)

func TestHashPassword_IsDeterministicAndSaltSensitive(t *testing.T) {
	h1 := HashPassword("hunter2", "saltA")
	h2 := HashPassword("hunter2", "saltA")
	h3 := HashPassword("hunter2", "saltB")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestCredentials_Validate(t *testing.T) {
	c := &Credentials{PasswordHash: HashPassword("correct horse", "salt"), Salt: "salt"}
	assert.True(t, c.Validate("correct horse"))
	assert.False(t, c.Validate("wrong"))
}

func TestLoadOrCreateCredentials_FetchesInitialPasswordOnFirstBoot(t *testing.T) {
	storage := gcs.NewMemoryClient()
	storage.PutString("ltm-pass", "initial-password\n")
	credsPath := filepath.Join(t.TempDir(), ".user.json")

	creds, err := LoadOrCreateCredentials(context.Background(), credsPath, storage)
	require.NoError(t, err)
	assert.NotEmpty(t, creds.Username)
	assert.Len(t, creds.Username, 8)
	assert.Len(t, creds.Salt, 20)
	assert.True(t, creds.Validate("initial-password"))
	assert.FileExists(t, credsPath)
}

func TestLoadOrCreateCredentials_ReusesPersistedRecordOnSecondCall(t *testing.T) {
	storage := gcs.NewMemoryClient()
	storage.PutString("ltm-pass", "initial-password\n")
	credsPath := filepath.Join(t.TempDir(), ".user.json")

	first, err := LoadOrCreateCredentials(context.Background(), credsPath, storage)
	require.NoError(t, err)

	// Even if the blob disappears, a second call must not need it because
	// the credentials file already exists.
	storage.DeleteBlob(context.Background(), "ltm-pass")
	second, err := LoadOrCreateCredentials(context.Background(), credsPath, storage)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLoadOrCreateCredentials_MissingBlobFails(t *testing.T) {
	storage := gcs.NewMemoryClient()
	credsPath := filepath.Join(t.TempDir(), ".user.json")

	_, err := LoadOrCreateCredentials(context.Background(), credsPath, storage)
	assert.Error(t, err)
}

func TestLoadOrCreateSecret_PersistsAndReusesAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".secret")
	first, err := loadOrCreateSecret(path, 32)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := loadOrCreateSecret(path, 32)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, onDisk)
}
