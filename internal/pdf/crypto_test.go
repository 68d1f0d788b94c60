package pdf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/pageorder/internal/testutil"
)

// writeEncryptedPDF writes a two-page PDF protected by userPW.
func writeEncryptedPDF(t *testing.T, dir, userPW string) string {
	t.Helper()
	plain := testutil.WritePDF(t, dir, "plain.pdf", "A", "B")
	out := filepath.Join(dir, "locked.pdf")
	conf := model.NewAESConfiguration(userPW, "owner-"+userPW, 256)
	require.NoError(t, api.EncryptFile(plain, out, conf))
	return out
}

func TestCredentials_Empty(t *testing.T) {
	assert.True(t, Credentials{}.Empty())
	assert.False(t, Credentials{UserPassword: "u"}.Empty())
	assert.False(t, Credentials{OwnerPassword: "o"}.Empty())
}

func TestIsPasswordError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"password keyword", errors.New("invalid password provided"), true},
		{"encrypted keyword", errors.New("file is encrypted"), true},
		{"decrypt keyword", errors.New("failed to decrypt file"), true},
		{"authentication keyword", errors.New("authentication failed"), true},
		{"case insensitive", errors.New("PASSWORD is incorrect"), true},
		{"non-password error", errors.New("file not found"), false},
		{"empty message", errors.New(""), false},
		{"partial keyword", errors.New("pass"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPasswordError(tt.err))
		})
	}
}

func TestIsEncrypted(t *testing.T) {
	dir := t.TempDir()

	plain := testutil.WritePDF(t, dir, "doc.pdf", "A")
	encrypted, err := isEncrypted(plain)
	require.NoError(t, err)
	assert.False(t, encrypted)

	locked := writeEncryptedPDF(t, dir, "secret")
	encrypted, err = isEncrypted(locked)
	require.NoError(t, err)
	assert.True(t, encrypted)
}

func TestDecryptToTemp(t *testing.T) {
	dir := t.TempDir()
	locked := writeEncryptedPDF(t, dir, "secret")

	t.Run("right password", func(t *testing.T) {
		out, err := decryptToTemp(locked, Credentials{UserPassword: "secret"})
		require.NoError(t, err)
		defer func() { _ = os.Remove(out) }()

		n, err := api.PageCountFile(out)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := decryptToTemp(locked, Credentials{UserPassword: "nope"})
		assert.Error(t, err)
	})
}
