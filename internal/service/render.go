package service

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/unclebandit/rallymail-backend/internal/mailer"
	"github.com/unclebandit/rallymail-backend/internal/model"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "table": true, "tr": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "section": true, "header": true, "footer": true, "hr": true,
}

// PlainText derives the text/plain alternative from the rich body.
func PlainText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0
	href := ""

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidy(b.String())

		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch tag {
			case "script", "style", "head":
				if tt == html.StartTagToken {
					skip++
				}
			case "br":
				b.WriteByte('\n')
			case "li":
				b.WriteString("\n- ")
			case "a":
				href = ""
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "href" {
						href = string(val)
					}
				}
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch tag {
			case "script", "style", "head":
				if skip > 0 {
					skip--
				}
			case "a":
				if href != "" && !strings.HasPrefix(href, "#") {
					b.WriteString(" (" + href + ")")
				}
				href = ""
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		}
	}
}

// tidy collapses whitespace inside lines and runs of blank lines.
func tidy(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// buildMessage renders the outgoing message for one recipient. Subject and
// bodies are the same for everyone; only the address differs.
func buildMessage(job *model.CampaignJob, rcpt model.Recipient, from, fromName string, attachments []mailer.Attachment) *mailer.Message {
	return &mailer.Message{
		FromAddress: from,
		FromName:    fromName,
		To:          rcpt.Email,
		Subject:     job.Subject,
		HTML:        job.HTMLBody,
		Text:        job.TextBody,
		Attachments: attachments,
	}
}
