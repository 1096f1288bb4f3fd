package license

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dlnkd/internal/crypto"
	"dlnkd/internal/errs"
)

// Codec seals and opens license payloads with the deployment cipher.
type Codec struct {
	cipher *crypto.Cipher
	now    func() time.Time
}

// NewCodec creates a codec bound to the given cipher.
func NewCodec(cipher *crypto.Cipher) *Codec {
	return &Codec{cipher: cipher, now: time.Now}
}

// SetClock overrides the issuance time source. Tests use this to pin
// created_at and expires_at.
func (c *Codec) SetClock(fn func() time.Time) { c.now = fn }

// Generated is the result of issuing a new license.
type Generated struct {
	Key     string
	Blob    string
	Payload Payload
}

// Generate issues a fresh license: picks a license id, computes the
// expiry from the duration, seals the payload, and derives the display
// key from the id.
func (c *Codec) Generate(userID string, t Type, durationDays int, features []string, owner, email string) (Generated, error) {
	if !ValidType(t) {
		return Generated{}, fmt.Errorf("unknown license type %q", t)
	}
	if durationDays <= 0 {
		return Generated{}, fmt.Errorf("duration must be positive, got %d days", durationDays)
	}
	permitted := PermittedFeatures(t)
	for _, f := range features {
		if !permitted[f] {
			return Generated{}, fmt.Errorf("feature %q is not permitted for type %q", f, t)
		}
	}
	if userID == "" {
		userID = uuid.New().String()
	}

	licenseID, err := NewLicenseID()
	if err != nil {
		return Generated{}, err
	}
	key, err := FormatKey(licenseID)
	if err != nil {
		return Generated{}, err
	}

	now := c.now().UTC().Truncate(time.Second)
	payload := Payload{
		LicenseID: licenseID,
		UserID:    userID,
		Type:      t,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, durationDays),
		Features:  features,
		Owner:     owner,
		Email:     email,
	}

	blob, err := c.Seal(payload)
	if err != nil {
		return Generated{}, err
	}
	return Generated{Key: key, Blob: blob, Payload: payload}, nil
}

// Seal serializes and encrypts a payload.
func (c *Codec) Seal(p Payload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return c.cipher.Seal(plaintext)
}

// Parse opens a sealed blob and validates the payload schema. Decryption
// failures surface as Tampered, schema violations as Malformed.
func (c *Codec) Parse(blob string) (Payload, error) {
	plaintext, err := c.cipher.Open(blob)
	if err != nil {
		return Payload{}, err
	}

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, errs.Wrap(errs.KindMalformed, err)
	}
	if p.LicenseID == "" || p.UserID == "" {
		return Payload{}, errs.E(errs.KindMalformed)
	}
	if !ValidType(p.Type) {
		return Payload{}, errs.E(errs.KindMalformed)
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		return Payload{}, errs.E(errs.KindMalformed)
	}
	permitted := PermittedFeatures(p.Type)
	for _, f := range p.Features {
		if !permitted[f] {
			return Payload{}, errs.E(errs.KindMalformed)
		}
	}
	return p, nil
}
