package webhook

import (
	"strings"

	"github.com/mattjoyce/critvals/internal/notify"
)

// verifySignature accepts "sha256=<hex>" or bare hex. Errors never say which
// part was wrong.
func verifySignature(body []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature != "" && !strings.HasPrefix(signature, "sha256=") {
		signature = "sha256=" + signature
	}
	return notify.VerifySignature(body, signature, secret)
}
