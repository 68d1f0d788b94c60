package pdf

import (
	"fmt"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Credentials contains the passwords for an encrypted PDF file.
type Credentials struct {
	UserPassword  string `json:"user_password,omitempty"`
	OwnerPassword string `json:"owner_password,omitempty"`
}

// Empty reports whether no password was supplied.
func (c Credentials) Empty() bool { return c.UserPassword == "" && c.OwnerPassword == "" }

// isEncrypted checks whether a PDF file needs a password to be read.
func isEncrypted(filename string) (bool, error) {
	_, err := api.PageCountFile(filename)
	if err == nil {
		return false, nil
	}
	if IsPasswordError(err) {
		return true, nil
	}
	return false, err
}

// decryptToTemp decrypts filename into a temporary file and returns its
// path. The caller removes the file.
func decryptToTemp(filename string, creds Credentials) (string, error) {
	tmp, err := os.CreateTemp("", "pageorder-decrypted-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	_ = tmp.Close()

	conf := model.NewDefaultConfiguration()
	conf.UserPW = creds.UserPassword
	conf.OwnerPW = creds.OwnerPassword
	if err := api.DecryptFile(filename, tmp.Name(), conf); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// IsPasswordError checks if an error is related to password/encryption issues.
func IsPasswordError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, keyword := range []string{"password", "encrypt", "decrypt", "authentication"} {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}
