package assets

import (
	"net/url"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxFilenameLength bounds derived filenames so overlong reference paths
// never reach the filesystem.
const maxFilenameLength = 120

// maxExtensionLength caps how much of the name is treated as an extension
// when truncating.
const maxExtensionLength = 16

// asciiFolder strips diacritics: NFKD decomposition, drop combining marks,
// recompose.
var asciiFolder = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// TargetFilename derives a filesystem-safe filename from an asset reference.
// The query string is stripped, the path basename is percent-decoded and
// Unicode-folded, unsafe runes become dashes, and the result is truncated to
// a bounded length while preserving the extension.
func TargetFilename(reference string) string {
	name := reference
	if u, err := url.Parse(reference); err == nil && u.Path != "" {
		name = u.Path
	} else if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}

	name = path.Base(name)
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	if folded, _, err := transform.String(asciiFolder, name); err == nil {
		name = folded
	}
	name = sanitize(name)

	if name == "" || name == "." || name == "/" {
		return "asset"
	}

	if len(name) <= maxFilenameLength {
		return name
	}

	ext := path.Ext(name)
	if len(ext) > maxExtensionLength {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	keep := maxFilenameLength - len(ext)
	if keep < 1 {
		keep = 1
	}
	if len(stem) > keep {
		stem = stem[:keep]
	}
	return stem + ext
}

func sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
