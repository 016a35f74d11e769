// Package mailtext turns a raw RFC 5322 message into the subject and plain
// text body the expense parser works on.
package mailtext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var ErrNoTextPart = errors.New("message has no text part")

var blankLines = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

type Message struct {
	MessageID string
	Subject   string
	Date      time.Time
	Body      string
}

// Decode reads raw and joins its inline text parts. text/plain parts win over
// text/html; html is reduced to text. Attachments are ignored.
func Decode(raw []byte) (Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return Message{}, fmt.Errorf("read message: %w", err)
	}

	var msg Message
	if id, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	var plain, htmlParts []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if tolerable(err) {
				continue
			}
			return msg, fmt.Errorf("read part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil {
			contentType = "text/plain"
		}
		if !strings.HasPrefix(contentType, "text/") {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, fmt.Errorf("read %s part: %w", contentType, err)
		}
		if contentType == "text/html" {
			htmlParts = append(htmlParts, HTMLToText(string(data)))
		} else {
			plain = append(plain, string(data))
		}
	}

	switch {
	case len(plain) > 0:
		msg.Body = strings.Join(plain, "\n")
	case len(htmlParts) > 0:
		msg.Body = strings.Join(htmlParts, "\n")
	default:
		return msg, ErrNoTextPart
	}
	msg.Body = strings.ReplaceAll(msg.Body, "\r\n", "\n")
	return msg, nil
}

// HTMLToText keeps the text content of an HTML document. Block elements and
// <br> end a line; script, style and title content is dropped. It is not a
// renderer.
func HTMLToText(s string) string {
	var (
		b    strings.Builder
		skip int
	)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			out := strings.ReplaceAll(b.String(), "\u00a0", " ")
			out = blankLines.ReplaceAllString(out, "\n\n")
			return strings.TrimSpace(out)
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); {
			case hidden(a):
				if tt == html.StartTagToken {
					skip++
				}
			case a == atom.Br:
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); {
			case hidden(a):
				if skip > 0 {
					skip--
				}
			case blockEnd(a):
				b.WriteByte('\n')
			}
		}
	}
}

func hidden(a atom.Atom) bool {
	return a == atom.Script || a == atom.Style || a == atom.Title
}

func blockEnd(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Tr, atom.Li, atom.Table, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
