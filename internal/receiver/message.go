package receiver

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxText bounds the decoded text body kept next to the raw content.
const maxText = 1 << 20

// parseMessage extracts the headers the persister stores. Unparseable
// headers are left empty; the raw content is always kept.
func parseMessage(raw []byte) Message {
	msg := Message{Content: raw}

	// An unknown charset is reported as an error next to a usable reader.
	reader, _ := mail.CreateReader(bytes.NewReader(raw))
	if reader == nil {
		return msg
	}
	defer reader.Close()

	h := reader.Header
	msg.MessageID, _ = h.MessageID()
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	msg.ContentType, _, _ = h.ContentType()
	msg.MIMEType = h.Get("Mime-Type")
	msg.TransferEncoding = h.Get("Content-Transfer-Encoding")
	msg.XMailer = h.Get("X-Mailer")
	msg.SenderIP = h.Get("Sender-Ip")
	if msg.SenderIP == "" {
		msg.SenderIP = strings.Trim(h.Get("X-Originating-Ip"), "[]")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
		msg.FromName = from[0].Name
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		msg.To = to[0].Address
	}
	msg.Text = firstText(reader)
	return msg
}

// firstText returns the decoded body of the first inline text part,
// preferring text/plain over text/html.
func firstText(reader *mail.Reader) string {
	var html string
	for {
		part, err := reader.NextPart()
		if part == nil || (err != nil && !message.IsUnknownCharset(err)) {
			break
		}
		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/") {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxText))
		if err != nil {
			continue
		}
		if ct == "text/html" {
			if html == "" {
				html = string(body)
			}
			continue
		}
		return string(body)
	}
	return html
}
