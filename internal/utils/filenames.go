package utils

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxNameLength = 150

// SanitizeFilename turns a media title into a portable file name: diacritics
// are folded, path separators and control characters dropped, and runs of
// whitespace collapsed.
func SanitizeFilename(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	for _, r := range folded {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune(' ')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}

	name := strings.Join(strings.Fields(b.String()), " ")
	name = strings.Trim(name, ". ")
	if r := []rune(name); len(r) > maxNameLength {
		name = strings.TrimSpace(string(r[:maxNameLength]))
	}
	if name == "" {
		name = "download"
	}
	return name
}

// DestinationPath builds "<dir>/<title> [<id>].<ext>"
func DestinationPath(dir, title, videoID, ext string) string {
	name := SanitizeFilename(title)
	if videoID != "" {
		name += " [" + SanitizeFilename(videoID) + "]"
	}
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return filepath.Join(dir, name)
}

// ReplaceExt swaps the extension of path
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + strings.TrimPrefix(ext, ".")
}
