package perceiver

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// containerPathPrefix is the in-container mount point frame producers may
// record; it is aliased onto the configured frame root.
const containerPathPrefix = "/app/"

// ResolveFramePath maps a frame's recorded path onto the local filesystem:
// "/app/..." paths are re-rooted under frameRoot, absolute paths pass
// through, relative paths resolve against frameRoot.
func ResolveFramePath(framePath, frameRoot string) string {
	raw := strings.TrimSpace(framePath)
	if raw == "" {
		return frameRoot
	}
	if strings.HasPrefix(raw, containerPathPrefix) {
		return filepath.Join(frameRoot, filepath.FromSlash(strings.TrimPrefix(raw, containerPathPrefix)))
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	return filepath.Join(frameRoot, filepath.FromSlash(raw))
}

// FileSHA256 returns the lowercase hex digest of a file's contents.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
