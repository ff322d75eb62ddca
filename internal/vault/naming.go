package vault

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// ContainerExt is the extension written on new containers.
	ContainerExt = ".etcr"
	// legacyExt is the extension older tools wrote; read, never written.
	legacyExt = ".enc"
)

// Container filenames are {file id}_{original name}{ext}.
var (
	containerNameRe = regexp.MustCompile(`^([0-9a-f]{32})_(.+)\.etcr$`)
	legacyNameRe    = regexp.MustCompile(`^([0-9a-f]{32})_(.+)\.enc$`)
)

// newFileID returns 16 random bytes as 32 lowercase hex chars.
func newFileID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// badNameChars are replaced before a name is embedded in a filename.
var badNameChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// sanitizeName makes an original name safe to embed: filesystem-hostile
// characters become underscores and a stale .enc suffix is dropped.
func sanitizeName(name string) string {
	name = badNameChars.Replace(name)
	name = strings.TrimSuffix(name, legacyExt)
	if name == "" {
		name = "file"
	}
	return name
}

// containerFilename builds the vault filename for an original name.
func containerFilename(id, originalName string) string {
	return id + "_" + sanitizeName(originalName) + ContainerExt
}

// parseContainerName splits a vault filename into file id and original
// name. Legacy .enc names are accepted too.
func parseContainerName(filename string) (id, original string, ok bool) {
	if m := containerNameRe.FindStringSubmatch(filename); m != nil {
		return m[1], m[2], true
	}
	if m := legacyNameRe.FindStringSubmatch(filename); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

// sniffExtension guesses a file extension from plaintext magic bytes.
func sniffExtension(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return ".jpg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 'P', 'N', 'G'}):
		return ".png"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return ".gif"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("%PDF")):
		return ".pdf"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{'P', 'K', 0x03, 0x04}):
		return ".zip"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")):
		switch {
		case bytes.Equal(data[8:12], []byte("WAVE")):
			return ".wav"
		case bytes.Equal(data[8:12], []byte("WEBP")):
			return ".webp"
		default:
			return ".avi"
		}
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")),
		len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFB:
		return ".mp3"
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return ".mp4"
	case looksLikeText(data):
		return ".txt"
	default:
		return ".bin"
	}
}

// looksLikeText samples the head of the data for printable UTF-8.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if !utf8.Valid(sample) {
		return false
	}
	for _, r := range string(sample) {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7F {
			return false
		}
	}
	return true
}

// outputName decides what a restored file should be called, in order of
// preference: the sidecar's original name, the name embedded in the
// container filename, and finally the input stem with a sniffed extension.
func outputName(entry *Entry, containerName string, plaintext []byte) string {
	if entry != nil && entry.OriginalName != "" {
		return sanitizeName(entry.OriginalName)
	}
	if _, original, ok := parseContainerName(containerName); ok {
		return sanitizeName(original)
	}

	stem := strings.TrimSuffix(containerName, ContainerExt)
	stem = strings.TrimSuffix(stem, legacyExt)
	stem = sanitizeName(stem)
	if stem == "" || stem == "file" {
		stem = "decrypted"
	}
	if filepath.Ext(stem) != "" {
		return stem
	}
	return stem + sniffExtension(plaintext)
}

// uniquePath appends _1, _2, ... before the extension until the path does
// not exist.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
