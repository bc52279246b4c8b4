// Package cookies validates uploaded cookie jars in the Netscape cookies.txt
// format. The pipeline treats jar contents as opaque bytes; this package only
// performs the minimal upload-time checks and domain filtering before the
// blob is sealed into the user store.
package cookies

import (
	"errors"
	"fmt"
	"strings"
)

// FileName is the attachment name recognised in direct messages.
const FileName = "cookies.txt"

// fieldsPerRow is the column count of a Netscape cookie row:
// domain, include-subdomains, path, secure, expiry, name, value.
const fieldsPerRow = 7

// relevantDomains are the domain suffixes kept by [FilterYouTube]. Everything
// else in an uploaded jar is discarded before storage.
var relevantDomains = []string{
	".youtube.com",
	"youtube.com",
	".google.com",
	".googlevideo.com",
	"accounts.google.com",
}

var (
	// ErrNoHeader is returned when the jar lacks the Netscape header line.
	ErrNoHeader = errors.New("cookies: missing Netscape header line")

	// ErrNoYouTubeEntries is returned when the jar parses but contains no
	// .youtube.com cookie, which means it cannot authenticate a stream.
	ErrNoYouTubeEntries = errors.New("cookies: no .youtube.com entries found")
)

// Validate checks that jar parses as a Netscape cookies.txt file: a header
// comment on the first non-blank line, tab-separated 7-field rows, and at
// least one .youtube.com entry.
func Validate(jar []byte) error {
	lines := strings.Split(string(jar), "\n")

	sawHeader := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if strings.Contains(trimmed, "Netscape HTTP Cookie File") || strings.Contains(trimmed, "HTTP Cookie File") {
				sawHeader = true
			}
			continue
		}
		if !sawHeader {
			return ErrNoHeader
		}
		break
	}
	if !sawHeader {
		return ErrNoHeader
	}

	youtube := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != fieldsPerRow {
			return fmt.Errorf("cookies: line %d has %d tab-separated fields, want %d", i+1, len(fields), fieldsPerRow)
		}
		if domain := fields[0]; domain == ".youtube.com" || domain == "youtube.com" || strings.HasSuffix(domain, ".youtube.com") {
			youtube = true
		}
	}
	if !youtube {
		return ErrNoYouTubeEntries
	}
	return nil
}

// FilterYouTube returns a copy of jar containing only the header, comments
// relevant to the format, and rows for YouTube or Google domains. Uploaded
// jars routinely carry a browser's whole cookie store; nothing outside these
// domains is needed and nothing else should be persisted.
func FilterYouTube(jar []byte) []byte {
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for _, line := range strings.Split(string(jar), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != fieldsPerRow {
			continue
		}
		if relevantDomain(fields[0]) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

func relevantDomain(domain string) bool {
	for _, d := range relevantDomains {
		if domain == d || strings.HasSuffix(domain, d) {
			return true
		}
	}
	return false
}
