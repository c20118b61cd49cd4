package mailer

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestBuildMessage(t *testing.T) {
	payload := []byte(`{"playlist":{"id":"p1","name":"Mix","songs":[]}}`)
	now := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

	raw := buildMessage("export@example.com", "user@example.com", "<id-1@smtp.example.com>", now, payload)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("message does not parse: %v", err)
	}
	if got := msg.Header.Get("Subject"); got != "OpenMusic Playlist Export" {
		t.Fatalf("unexpected subject: %q", got)
	}
	if got := msg.Header.Get("From"); got != "OpenMusic API <export@example.com>" {
		t.Fatalf("unexpected from: %q", got)
	}
	if got := msg.Header.Get("Message-Id"); got != "<id-1@smtp.example.com>" {
		t.Fatalf("unexpected message id: %q", got)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("unexpected content type %q: %v", mediaType, err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])

	text, err := mr.NextPart()
	if err != nil {
		t.Fatalf("missing text part: %v", err)
	}
	body, _ := io.ReadAll(text)
	if !strings.Contains(string(body), "JSON export of your playlist") {
		t.Fatalf("unexpected body text: %q", body)
	}

	attachment, err := mr.NextPart()
	if err != nil {
		t.Fatalf("missing attachment part: %v", err)
	}
	if got := attachment.FileName(); got != "playlist.json" {
		t.Fatalf("unexpected attachment name: %q", got)
	}
	encoded, _ := io.ReadAll(attachment)
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	if err != nil {
		t.Fatalf("attachment is not valid base64: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("attachment mismatch:\n got %s\nwant %s", decoded, payload)
	}
}

func TestBuildMessageAttachmentDeterministic(t *testing.T) {
	payload := []byte(`{"playlist":{"id":"p1","name":"Mix","songs":[{"id":"s1","title":"A","performer":"Ann"}]}}`)
	now := time.Now()

	extract := func(raw []byte) []byte {
		t.Helper()
		msg, err := mail.ReadMessage(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("message does not parse: %v", err)
		}
		_, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
		if err != nil {
			t.Fatalf("bad content type: %v", err)
		}
		mr := multipart.NewReader(msg.Body, params["boundary"])
		if _, err := mr.NextPart(); err != nil {
			t.Fatalf("missing text part: %v", err)
		}
		attachment, err := mr.NextPart()
		if err != nil {
			t.Fatalf("missing attachment: %v", err)
		}
		encoded, _ := io.ReadAll(attachment)
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
		if err != nil {
			t.Fatalf("bad base64: %v", err)
		}
		return decoded
	}

	first := extract(buildMessage("a@x.com", "b@y.com", "<1@x>", now, payload))
	second := extract(buildMessage("a@x.com", "b@y.com", "<2@x>", now, payload))
	if !bytes.Equal(first, second) {
		t.Fatal("attachment bytes must be identical for identical snapshots")
	}
}
