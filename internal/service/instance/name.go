package instance

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const ownerFragmentLen = 8

// resourceName derives a provider resource name from the template, the owner
// and a random suffix. The 8-byte suffix makes collisions impossible in
// practice even across restarts; the registry's unique constraint is the
// backstop.
func resourceName(templateID, ownerID string) (string, error) {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate name suffix: %w", err)
	}
	return fmt.Sprintf("chal-%s-%s-%s", sanitizeFragment(templateID), sanitizeFragment(ownerID), hex.EncodeToString(suffix)), nil
}

// sanitizeFragment keeps the name within the provider's allowed charset.
func sanitizeFragment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == ownerFragmentLen {
			break
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return b.String()
}
