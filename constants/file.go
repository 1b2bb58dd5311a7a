package constants

import "strings"

// PDFMagic is the header every accepted document must start with.
const PDFMagic = "%PDF-"

// DefaultMaxDownloadMB caps a single document download.
const DefaultMaxDownloadMB = 50

// AllowedExtensions holds the file extensions picked up by the directory watcher and CLI.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
