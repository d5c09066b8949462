package util

import (
	"regexp"
	"strings"
)

// MosaicSToken and MosaicBDUSS are the placeholder values returned in place
// of real forum credentials. Incoming updates carrying these values mean
// "keep the stored credential".
const (
	MosaicSToken = "******"
	MosaicBDUSS  = "******************"
)

// MaskCredential replaces a forum credential with its mosaic so raw BDUSS or
// STOKEN values never leave the server.
func MaskCredential(value, mosaic string) string {
	if value == "" {
		return ""
	}
	return mosaic
}

// IsMosaic reports whether a submitted credential is one of the placeholder
// values rather than a real secret.
func IsMosaic(value string) bool {
	return value == MosaicSToken || value == MosaicBDUSS
}

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// SanitizeForLog removes control characters and newlines from user content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}
