package telemetry

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

var (
	reIPv4      = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}\b`)
	reIPv6      = regexp.MustCompile(`\b[0-9a-fA-F]{0,4}(:[0-9a-fA-F]{0,4}){2,7}\b`)
	reTimestamp = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`)
	reQuoted    = regexp.MustCompile(`"[^"]*"|'[^']*'` + "|`[^`]*`")
	reHexID     = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	reNumber    = regexp.MustCompile(`\b\d{4,}\b`)
)

// NormalizeMessage strips concrete values (IPs, timestamps, quoted
// strings, long hex IDs, large numbers) so equivalent failures produce
// the same fingerprint regardless of which target triggered them.
func NormalizeMessage(msg string) string {
	msg = reTimestamp.ReplaceAllString(msg, "<ts>")
	msg = reIPv4.ReplaceAllString(msg, "<ip>")
	msg = reIPv6.ReplaceAllString(msg, "<ip>")
	msg = reQuoted.ReplaceAllString(msg, "<str>")
	msg = reHexID.ReplaceAllString(msg, "<id>")
	msg = reNumber.ReplaceAllString(msg, "<n>")
	return strings.TrimSpace(msg)
}

// Fingerprint computes the structural hash grouping equivalent errors:
// same category, same handler location, same normalized message.
func Fingerprint(category types.ErrorCategory, location, message string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s", category, location, NormalizeMessage(message))
	return fmt.Sprintf("%016x", h.Sum64())
}
