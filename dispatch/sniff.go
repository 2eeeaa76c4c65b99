package dispatch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hazyhaar/ediscovery/container"
)

// HeaderSize is the number of leading bytes inspected by Sniff.
const HeaderSize = 8192

// Class is the routing class of a staged file.
type Class int

const (
	ClassDocument Class = iota
	ClassArchive
	ClassMailStore
	ClassPST
	ClassNSF
)

func (c Class) String() string {
	switch c {
	case ClassArchive:
		return "archive"
	case ClassMailStore:
		return "mail-store"
	case ClassPST:
		return "pst"
	case ClassNSF:
		return "nsf"
	default:
		return "document"
	}
}

// Signature is what Sniff learned from a file's content.
type Signature struct {
	Class  Class
	Format container.Format // set for archives and mail stores
	Magic  string           // short content label, e.g. "PDF", "OOXML"
	MIME   string
	Size   int64
	// Warnings carries suspicious-content heuristics; they never block.
	Warnings []string
}

var (
	magicZip   = []byte("PK\x03\x04")
	magicZipE  = []byte("PK\x05\x06")
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLz4   = []byte{0x04, 0x22, 0x4d, 0x18}
	magicPST   = []byte("!BDN")
	magicNSF   = []byte{0x1a, 0x00}
	magicMbox  = []byte("From ")
	magicUstar = []byte("ustar")
)

// Sniff classifies the file at path by content. Containers are recognised
// before anything else so an archive is never handed to an extractor.
func Sniff(path string) (Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signature{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Signature{}, err
	}

	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Signature{}, fmt.Errorf("dispatch: read header %s: %w", path, err)
	}
	header = header[:n]

	sig := classify(header)
	sig.Size = info.Size()
	if w := checkZipBomb(header, sig.Size); w != "" {
		sig.Warnings = append(sig.Warnings, w)
	}

	if dec, format := compression(header); dec != nil {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return Signature{}, err
		}
		if isTar(peekDecompressed(f, dec)) {
			sig.Class, sig.Format = ClassArchive, format
		}
	}
	return sig, nil
}

// classify decides on the header alone. Compressed tars are resolved by
// Sniff, which can read past the header.
func classify(h []byte) Signature {
	sig := Signature{Class: ClassDocument, MIME: http.DetectContentType(h), Magic: identifyMagic(h)}
	switch {
	case bytes.HasPrefix(h, magicZip) || bytes.HasPrefix(h, magicZipE):
		if pkg := zipPackage(h); pkg != "" {
			sig.Magic = pkg
			return sig
		}
		sig.Class, sig.Format, sig.Magic = ClassArchive, container.FormatZip, "ZIP"
	case len(h) >= 262 && bytes.Equal(h[257:262], magicUstar):
		sig.Class, sig.Format, sig.Magic = ClassArchive, container.FormatTar, "TAR"
	case bytes.HasPrefix(h, magicPST):
		sig.Class, sig.Magic = ClassPST, "PST"
	case bytes.HasPrefix(h, magicNSF):
		sig.Class, sig.Magic = ClassNSF, "NSF"
	case isMbox(h):
		sig.Class, sig.Format, sig.Magic = ClassMailStore, container.FormatMbox, "MBOX"
	}
	return sig
}

var postmarkLayouts = []string{
	time.ANSIC,
	"Mon Jan _2 15:04:05 2006 -0700",
	"Mon Jan _2 15:04:05 MST 2006",
	"Mon Jan _2 15:04 2006",
}

// isMbox requires a postmark line, "From <sender> <asctime date>", or a
// "From " line followed by mail headers. A text that merely starts with the
// word "From" stays a document.
func isMbox(h []byte) bool {
	if !bytes.HasPrefix(h, magicMbox) {
		return false
	}
	line, rest, _ := bytes.Cut(h, []byte("\n"))
	sender, date, _ := strings.Cut(strings.TrimRight(string(line[len(magicMbox):]), "\r"), " ")
	if sender == "" {
		return false
	}
	date = strings.TrimSpace(date)
	for _, layout := range postmarkLayouts {
		if _, err := time.Parse(layout, date); err == nil {
			return true
		}
	}
	hdr, _ := textproto.NewReader(bufio.NewReader(bytes.NewReader(rest))).ReadMIMEHeader()
	for _, k := range []string{"From", "Date", "Subject", "Message-Id", "Received", "Return-Path"} {
		if _, ok := hdr[k]; ok {
			return true
		}
	}
	return false
}

// zipPackage recognises zip-based document formats. Their markers sit in
// the first local headers, well within HeaderSize.
func zipPackage(h []byte) string {
	switch {
	case bytes.Contains(h, []byte("[Content_Types].xml")):
		return "OOXML"
	case bytes.Contains(h, []byte("mimetypeapplication/epub+zip")):
		return "EPUB"
	case bytes.Contains(h, []byte("mimetypeapplication/vnd.oasis.opendocument")):
		return "ODF"
	}
	return ""
}

func identifyMagic(h []byte) string {
	if len(h) < 4 {
		return "unknown"
	}
	switch {
	case string(h[:4]) == "%PDF":
		return "PDF"
	case h[0] == 0xd0 && h[1] == 0xcf && h[2] == 0x11 && h[3] == 0xe0:
		return "OLE2"
	case h[0] == 0xff && h[1] == 0xd8 && h[2] == 0xff:
		return "JPEG"
	case h[0] == 0x89 && string(h[1:4]) == "PNG":
		return "PNG"
	case string(h[:3]) == "GIF":
		return "GIF"
	case bytes.HasPrefix(h, magicGzip):
		return "GZIP"
	case bytes.HasPrefix(h, magicZstd):
		return "ZSTD"
	case bytes.HasPrefix(h, magicLz4):
		return "LZ4"
	case len(h) >= 5 && string(h[:5]) == "<?xml":
		return "XML"
	case h[0] == '{' || h[0] == '[':
		return "JSON"
	default:
		return "unknown"
	}
}

type decompressor func(io.Reader) (io.ReadCloser, error)

func compression(h []byte) (decompressor, container.Format) {
	switch {
	case bytes.HasPrefix(h, magicGzip):
		return func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) }, container.FormatTarGz
	case bytes.HasPrefix(h, magicZstd):
		return func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}, container.FormatTarZst
	case bytes.HasPrefix(h, magicLz4):
		return func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(lz4.NewReader(r)), nil }, container.FormatTarLz4
	}
	return nil, ""
}

// peekDecompressed returns up to 512 decompressed bytes, or nil when the
// stream does not decode.
func peekDecompressed(r io.Reader, dec decompressor) []byte {
	rc, err := dec(r)
	if err != nil {
		return nil
	}
	defer rc.Close()
	buf := make([]byte, 512)
	n, _ := io.ReadFull(rc, buf)
	return buf[:n]
}

func isTar(h []byte) bool {
	return len(h) >= 262 && bytes.Equal(h[257:262], magicUstar)
}

// checkZipBomb flags many local headers packed into a tiny file.
func checkZipBomb(header []byte, fileSize int64) string {
	count := bytes.Count(header, magicZip)
	if count > 10 && fileSize < 1024*1024 {
		return fmt.Sprintf("zip_bomb_suspect: %d zip headers in first %d bytes, file only %d bytes",
			count, len(header), fileSize)
	}
	return ""
}
