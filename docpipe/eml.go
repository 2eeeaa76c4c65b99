package docpipe

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html/charset"
)

// maxMIMEDepth bounds multipart nesting.
const maxMIMEDepth = 16

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

// extractEML parses an RFC 5322 message: envelope headers become metadata,
// the first text/plain part (or text/html converted to markdown) becomes the
// text, and named parts are listed as attachments.
func extractEML(path string, doc *Document) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	msg, err := mail.ReadMessage(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	h := msg.Header

	doc.Title = decodeHeader(h.Get("Subject"))
	doc.meta("message_from", addressList(h, "From"))
	doc.meta("message_to", addressList(h, "To"))
	doc.meta("message_cc", addressList(h, "Cc"))
	doc.meta("message_bcc", addressList(h, "Bcc"))
	doc.meta("subject", doc.Title)
	if t, err := h.Date(); err == nil {
		doc.meta("message_date", t.UTC().Format(time.RFC3339))
	} else {
		doc.meta("message_date", h.Get("Date"))
	}
	doc.meta("message_id", strings.Trim(h.Get("Message-Id"), "<> "))

	var body mimeBody
	if err := body.walk(textproto(h), msg.Body, 0); err != nil {
		return err
	}
	text := body.plain
	if text == "" && body.html != "" {
		md, err := mdConverter.ConvertString(body.html)
		if err != nil {
			return fmt.Errorf("convert html body: %w", err)
		}
		text = md
	}
	doc.Text = tidyText(text)
	if len(body.attachments) > 0 {
		doc.meta("attachment_count", strconv.Itoa(len(body.attachments)))
		doc.meta("attachments", strings.Join(body.attachments, "; "))
	}
	return nil
}

// partHeader is the subset of header access shared by mail.Header and
// multipart part headers.
type partHeader interface {
	Get(key string) string
}

type headerFunc func(string) string

func (f headerFunc) Get(key string) string { return f(key) }

func textproto(h mail.Header) partHeader { return headerFunc(h.Get) }

type mimeBody struct {
	plain       string
	html        string
	attachments []string
}

func (b *mimeBody) walk(h partHeader, r io.Reader, depth int) error {
	if depth > maxMIMEDepth {
		return fmt.Errorf("mime nesting depth exceeds %d", maxMIMEDepth)
	}
	ctype := h.Get("Content-Type")
	if ctype == "" {
		ctype = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart without boundary")
		}
		mr := multipart.NewReader(r, boundary)
		for {
			part, err := mr.NextRawPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("next part: %w", err)
			}
			if err := b.walk(part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	disposition, dparams, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	name := dparams["filename"]
	if name == "" {
		name = params["name"]
	}
	if disposition == "attachment" || (name != "" && !strings.HasPrefix(mediaType, "text/")) {
		if name == "" {
			name = "unnamed"
		}
		b.attachments = append(b.attachments, decodeHeader(name))
		return nil
	}

	switch mediaType {
	case "text/plain", "text/html":
	default:
		return nil
	}
	data, err := io.ReadAll(decodeTransfer(r, h.Get("Content-Transfer-Encoding")))
	if err != nil {
		return fmt.Errorf("read %s part: %w", mediaType, err)
	}
	text := decodeCharset(data, params["charset"])
	if mediaType == "text/plain" && b.plain == "" {
		b.plain = text
	} else if mediaType == "text/html" && b.html == "" {
		b.html = text
	}
	return nil
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &base64Cleaner{r: r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// base64Cleaner drops line breaks and blanks that base64.NewDecoder rejects.
type base64Cleaner struct{ r io.Reader }

func (c *base64Cleaner) Read(p []byte) (int, error) {
	for {
		n, err := c.r.Read(p)
		j := 0
		for _, ch := range p[:n] {
			if ch != '\r' && ch != '\n' && ch != ' ' && ch != '\t' {
				p[j] = ch
				j++
			}
		}
		if j > 0 || err != nil {
			return j, err
		}
	}
}

func decodeCharset(data []byte, label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "us-ascii" {
		return string(data)
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func decodeHeader(v string) string {
	if d, err := wordDecoder.DecodeHeader(v); err == nil {
		return d
	}
	return v
}

// addressList renders an address header as "Name <addr>, ..." or falls back
// to the raw (decoded) header when it does not parse.
func addressList(h mail.Header, key string) string {
	raw := h.Get(key)
	if raw == "" {
		return ""
	}
	addrs, err := (&mail.AddressParser{WordDecoder: wordDecoder}).ParseList(raw)
	if err != nil {
		return decodeHeader(raw)
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name == "" {
			out[i] = a.Address
		} else {
			out[i] = a.Name + " <" + a.Address + ">"
		}
	}
	return strings.Join(out, ", ")
}
