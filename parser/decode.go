package parser

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Bodies shorter than this are never treated as encoded; short words made of
// base64 letters decode to noise too easily.
const minEncodedLen = 16

var base64URLBody = regexp.MustCompile(`^[A-Za-z0-9_\-]+={0,2}$`)

// Decode replaces a base64url encoded body with its text and copies the
// subject into the context. Anything that is not cleanly encoded text passes
// through unchanged.
func Decode(pc Context) (Patch, error) {
	text := pc.Raw.Body
	if decoded, ok := decodeBase64URL(text); ok {
		text = decoded
	}
	subject := pc.Raw.Subject
	return Patch{BodyText: &text, Subject: &subject}, nil
}

func decodeBase64URL(s string) (string, bool) {
	compact := strings.NewReplacer("\r", "", "\n", "").Replace(strings.TrimSpace(s))
	if len(compact) < minEncodedLen || !base64URLBody.MatchString(compact) {
		return "", false
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(compact, "="))
	if err != nil || !utf8.Valid(data) {
		return "", false
	}

	text := string(data)
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return "", false
		}
	}
	return text, true
}
