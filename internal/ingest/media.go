package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow"
)

// MediaDownloader fetches and decrypts an attachment.
type MediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// savedMedia is the outcome of a successful download.
type savedMedia struct {
	Path     string // relative to the media root
	Mimetype string
}

// mediaFileName builds "{type}_{messageId}{ext}".
func mediaFileName(typ, messageID, ext string) string {
	return typ + "_" + safeName(messageID) + ext
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// extensionFor picks the file extension from the declared mimetype, falling
// back to sniffing the bytes.
func extensionFor(declared string, data []byte) (ext, mime string) {
	declared = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	if declared != "" {
		if m := mimetype.Lookup(declared); m != nil && m.Extension() != "" {
			return m.Extension(), declared
		}
	}
	detected := mimetype.Detect(data)
	if detected.Extension() != "" {
		if declared == "" {
			declared = detected.String()
		}
		return detected.Extension(), declared
	}
	if declared == "" {
		declared = "application/octet-stream"
	}
	return ".bin", declared
}

func (n *Normalizer) saveMedia(ctx context.Context, typ, messageID string, m *Media) (*savedMedia, error) {
	if n.media == nil {
		return nil, fmt.Errorf("no media downloader")
	}
	ctx, cancel := context.WithTimeout(ctx, n.mediaTimeout)
	defer cancel()

	data, err := n.media.Download(ctx, m.Source)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", typ, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download %s: empty payload", typ)
	}

	ext, mime := extensionFor(m.Mimetype, data)
	name := mediaFileName(typ, messageID, ext)
	if err := os.MkdirAll(n.mediaDir, 0700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(n.mediaDir, name), data, 0600); err != nil {
		return nil, fmt.Errorf("write media: %w", err)
	}
	return &savedMedia{Path: name, Mimetype: mime}, nil
}
