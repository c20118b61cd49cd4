package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"time"
)

const (
	subject        = "OpenMusic Playlist Export"
	bodyText       = "Attached is the JSON export of your playlist.\r\n\r\nThank you for using the OpenMusic API!\r\n"
	attachmentName = "playlist.json"
)

// buildMessage assembles the full RFC 5322 message: fixed subject and body
// plus one base64-encoded JSON attachment carrying the playlist snapshot.
func buildMessage(from, to, msgID string, now time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: OpenMusic API <%s>\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Message-Id: %s\r\n", msgID)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	text, _ := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	fmt.Fprint(text, bodyText)

	attachment, _ := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("application/json; name=%q", attachmentName)},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", attachmentName)},
		"Content-Transfer-Encoding": {"base64"},
	})
	writeBase64(attachment, payload)

	mw.Close()
	return buf.Bytes()
}

// writeBase64 encodes payload in 76-column lines per RFC 2045.
func writeBase64(w io.Writer, payload []byte) {
	encoded := base64.StdEncoding.EncodeToString(payload)
	const lineLen = 76
	for len(encoded) > 0 {
		n := lineLen
		if n > len(encoded) {
			n = len(encoded)
		}
		fmt.Fprintf(w, "%s\r\n", encoded[:n])
		encoded = encoded[n:]
	}
}
