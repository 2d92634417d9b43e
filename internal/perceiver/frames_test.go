package perceiver

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveFramePath(t *testing.T) {
	root := filepath.FromSlash("/data/frames")
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"container alias", "/app/room_demo/frame_001.jpg", filepath.Join(root, "room_demo", "frame_001.jpg")},
		{"absolute passthrough", "/tmp/frame.jpg", filepath.FromSlash("/tmp/frame.jpg")},
		{"relative joins root", "room_demo/frame_001.jpg", filepath.Join(root, "room_demo", "frame_001.jpg")},
		{"whitespace trimmed", "  room_demo/frame_001.jpg  ", filepath.Join(root, "room_demo", "frame_001.jpg")},
		{"empty falls back to root", "", root},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveFramePath(tc.in, root); got != tc.want {
				t.Fatalf("ResolveFramePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFileSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	content := []byte("not really a jpeg")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FileSHA256(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
}

func TestFileSHA256Missing(t *testing.T) {
	if _, err := FileSHA256(filepath.Join(t.TempDir(), "absent.jpg")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
