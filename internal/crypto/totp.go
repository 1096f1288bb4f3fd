package crypto

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPManager handles time-based one-time passwords for the optional
// second factor on admin logins.
type TOTPManager struct {
	issuer string
}

// NewTOTPManager creates a TOTP manager with the given issuer name.
func NewTOTPManager(issuer string) *TOTPManager {
	return &TOTPManager{issuer: issuer}
}

// GenerateSecret creates a fresh TOTP secret for a user and returns the
// base32 secret together with the otpauth:// provisioning URI.
func (m *TOTPManager) GenerateSecret(username string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: username,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Code returns the 6-digit code for the secret at the given time.
func (m *TOTPManager) Code(secret string, at time.Time) (string, error) {
	return totp.GenerateCode(secret, at)
}

// Verify checks a code against the secret, accepting one 30-second step
// of clock skew in each direction.
func (m *TOTPManager) Verify(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
