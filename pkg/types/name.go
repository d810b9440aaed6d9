package types

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxNameLength = 40

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns         = regexp.MustCompile(`-+`)
)

// SanitizeName lowercases the input, replaces anything outside [a-z0-9-]
// with a dash, collapses dash runs, trims leading and trailing dashes and
// caps the result at 40 characters. An input that sanitizes to nothing
// becomes "vm". SanitizeName is idempotent.
func SanitizeName(input string) string {
	name := strings.ToLower(strings.TrimSpace(input))
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = dashRuns.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if len(name) > maxNameLength {
		name = strings.Trim(name[:maxNameLength], "-")
	}
	if name == "" {
		return "vm"
	}
	return name
}

// CanonicalName returns the sanitized base plus a random 4-hex suffix. The
// canonical name is the only identifier used for hostname, cloud-init and
// subdomain.
func CanonicalName(input string) string {
	return SanitizeName(input) + "-" + nameSuffix()
}

func nameSuffix() string {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for anything else we do
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b)
}

// DeriveNodeID computes the stable node identity from the machine id and the
// operator wallet. The digest is rendered as a UUID so node ids look uniform
// across the API.
func DeriveNodeID(machineID, walletAddress string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:decloud-node-v1", machineID, strings.ToLower(walletAddress))))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// 16 bytes always form a valid UUID
		panic(err)
	}
	return id.String()
}

// IsZeroAddress reports whether addr is the EVM zero address (with or
// without the 0x prefix).
func IsZeroAddress(addr string) bool {
	a := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(addr)), "0x")
	if len(a) != 40 {
		return false
	}
	return strings.Count(a, "0") == 40
}
