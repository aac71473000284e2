package testutil

import "strings"

// SimpleMessage is a well-formed single-part test message.
const SimpleMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: Bob Example <bob@example.com>\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 06 Jan 2025 10:00:00 +0000\r\n" +
	"Message-Id: <simple-1@example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello, Bob.\r\n"

// MultipartMessage is a two-part alternative message with a plain and an HTML part.
const MultipartMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Subject: Multipart greetings\r\n" +
	"Date: Tue, 07 Jan 2025 11:30:00 +0100\r\n" +
	"Message-Id: <multi-1@example.com>\r\n" +
	"Mime-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"sep\"\r\n" +
	"\r\n" +
	"--sep\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello in plain text.\r\n" +
	"--sep\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<html><body><p>Hello in <b>HTML</b>.</p></body></html>\r\n" +
	"--sep--\r\n"

// ReceivedMessage carries Received headers so internal-date extraction has
// something to chew on.
const ReceivedMessage = "Received: from mx2.example.com by mail.example.com; Wed, 08 Jan 2025 09:15:00 +0000\r\n" +
	"Received: from sender.example.org by mx2.example.com; Wed, 08 Jan 2025 09:14:30 +0000\r\n" +
	"From: carol@example.org\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hop hop\r\n" +
	"Date: Wed, 08 Jan 2025 09:10:00 +0000\r\n" +
	"Message-Id: <hops-1@example.org>\r\n" +
	"\r\n" +
	"Body after two hops.\r\n"

// UnparsableMessage has a header section that cuts off mid-field with no
// body separator, which the parser rejects.
const UnparsableMessage = "From: broken@example.com\r\nSubject"

// MessageWithHeaders builds a raw single-part message from the given header
// lines plus a short body.
func MessageWithHeaders(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString("Test body.\r\n")
	return b.String()
}
