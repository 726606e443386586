package storage

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxNameLen = 120

// SanitizeName turns a user supplied file name into a key segment made of
// [A-Za-z0-9._-]. Accents are folded ("résumé.pdf" -> "resume.pdf"), any
// other character becomes "_", runs of "_" collapse, and leading dots are
// dropped so a name can never address a parent directory.
func SanitizeName(name string) string {
	// Keep only the last path element a browser may have sent.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		ok := r < unicode.MaxASCII && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_')
		if !ok {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}

	out := strings.TrimLeft(b.String(), "._")
	out = strings.TrimRight(out, "_")
	if len(out) > maxNameLen {
		// keep the extension when truncating
		ext := ""
		if i := strings.LastIndexByte(out, '.'); i > 0 && len(out)-i <= 16 {
			ext = out[i:]
		}
		out = out[:maxNameLen-len(ext)] + ext
	}
	if out == "" {
		return "file"
	}
	return out
}

// randomSuffix returns 8 hex characters.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ChatAttachmentKey returns "<chatID>/<messageID>-<random>-<sanitizedName>".
func ChatAttachmentKey(chatID, messageID, name string) string {
	return fmt.Sprintf("%s/%s-%s-%s", chatID, messageID, randomSuffix(), SanitizeName(name))
}

// OrderAttachmentKey returns "<orderNumber>/attachments/<sanitizedName>".
func OrderAttachmentKey(orderNumber, name string) string {
	return fmt.Sprintf("%s/attachments/%s", orderNumber, SanitizeName(name))
}

// ItemAttachmentKey returns "<orderNumber>/items/<itemNumber>/<sanitizedName>".
func ItemAttachmentKey(orderNumber string, itemNumber int, name string) string {
	return fmt.Sprintf("%s/items/%d/%s", orderNumber, itemNumber, SanitizeName(name))
}

// ValidKey reports whether key is a relative object key without empty,
// "." or ".." segments.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
