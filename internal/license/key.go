package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	"dlnkd/internal/errs"
)

// License ids are 16 hexadecimal characters; the display key splits them
// into four dash-separated groups behind the DLNK prefix.
const (
	idHexLen   = 16
	groupLen   = 4
	groupCount = 4
)

var keyPattern = regexp.MustCompile(`^DLNK-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// NewLicenseID returns a fresh random license id: 16 uppercase hex chars.
func NewLicenseID() (string, error) {
	raw := make([]byte, idHexLen/2)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate license id: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// FormatKey renders a license id as the canonical display key
// DLNK-XXXX-XXXX-XXXX-XXXX. It is a pure function of the id.
func FormatKey(licenseID string) (string, error) {
	id := strings.ToUpper(licenseID)
	if len(id) != idHexLen {
		return "", errs.E(errs.KindBadFormat)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", errs.E(errs.KindBadFormat)
	}
	groups := make([]string, 0, groupCount)
	for i := 0; i < idHexLen; i += groupLen {
		groups = append(groups, id[i:i+groupLen])
	}
	return KeyPrefix + "-" + strings.Join(groups, "-"), nil
}

// ParseKey validates a display key against the strict grammar and returns
// the embedded license id. Input is case-insensitive; output canonical
// uppercase.
func ParseKey(key string) (string, error) {
	canonical := strings.ToUpper(strings.TrimSpace(key))
	if !keyPattern.MatchString(canonical) {
		return "", errs.E(errs.KindBadFormat)
	}
	return strings.ReplaceAll(canonical[len(KeyPrefix)+1:], "-", ""), nil
}

// MaskKey renders a key safe for logs: first and last groups only.
func MaskKey(key string) string {
	canonical := strings.ToUpper(strings.TrimSpace(key))
	if !keyPattern.MatchString(canonical) {
		if len(canonical) > 8 {
			return canonical[:4] + "****"
		}
		return "****"
	}
	parts := strings.Split(canonical, "-")
	return parts[0] + "-" + parts[1] + "-****-****-" + parts[4]
}
