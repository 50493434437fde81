package probe

import "strings"

// windowsReserved are device names that cannot be used as filenames on
// Windows, matched case-insensitively against the stem.
var windowsReserved = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// SanitizeFilename strips path separators, control characters, and
// OS-reserved characters from a user-provided filename. The result is
// metadata only — blobs on disk are always named by UUID — but it must
// still be safe to echo back and to use in logs.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters
		case strings.ContainsRune(`/\<>:"|?*`, r):
			// separators and Windows-reserved punctuation
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(b.String(), ". ")
	stem := out
	if i := strings.IndexByte(out, '.'); i >= 0 {
		stem = out[:i]
	}
	if _, ok := windowsReserved[strings.ToLower(stem)]; ok {
		out = "_" + out
	}
	return out
}
