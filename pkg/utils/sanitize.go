package utils

import (
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)
const maxFilenameLength = 100

// SanitizeFilename cleans a string to be safe for use as a filename component
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = strings.Trim(sanitized[:maxFilenameLength], "_ ")
	}

	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// SanitizeRelativePath cleans every segment of a slash-separated path and
// drops "." and ".." so the result never escapes its root.
func SanitizeRelativePath(p string) string {
	var segments []string
	for _, seg := range strings.Split(path.Clean("/"+p), "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segments = append(segments, SanitizeFilename(seg))
	}
	return strings.Join(segments, "/")
}
