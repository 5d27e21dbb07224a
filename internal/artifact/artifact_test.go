package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		prefix      []byte
		want        Verdict
	}{
		{
			name:        "pdf with pdf content type",
			contentType: "application/pdf",
			prefix:      []byte("%PDF-1.4\n..."),
			want:        Ok,
		},
		{
			name:        "pdf mislabeled as html still ok",
			contentType: "text/html; charset=utf-8",
			prefix:      []byte("%PDF-1.7"),
			want:        Ok,
		},
		{
			name:        "html content type without signature",
			contentType: "text/html; charset=utf-8",
			prefix:      []byte("<!DOCTYPE html><html><body>confirm</body></html>"),
			want:        Intercepted,
		},
		{
			name:        "html prefix with generic content type",
			contentType: "application/octet-stream",
			prefix:      []byte("<html><head>warning</head>"),
			want:        Intercepted,
		},
		{
			name:        "binary garbage",
			contentType: "application/octet-stream",
			prefix:      []byte{0xff, 0xd8, 0xff, 0xe0},
			want:        NotArtifact,
		},
		{
			name:        "empty prefix plain content type",
			contentType: "text/plain",
			prefix:      nil,
			want:        NotArtifact,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.contentType, tt.prefix); got != tt.want {
				t.Errorf("Validate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func validPDF(size int) []byte {
	data := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{'x'}, size)...)
	return data
}

func TestCheckExisting_Valid(t *testing.T) {
	dir := t.TempDir()
	payload := validPDF(2000)
	path := writeFile(t, dir, "book.pdf", payload)

	size, ok := CheckExisting(path, 1000)
	if !ok {
		t.Fatalf("expected valid file to pass")
	}
	if size != int64(len(payload)) {
		t.Errorf("expected size %d, got %d", len(payload), size)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("valid file must not be removed: %v", err)
	}
}

func TestCheckExisting_TooSmallIsDeleted(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "small.pdf", validPDF(100))

	if _, ok := CheckExisting(path, 1000); ok {
		t.Fatalf("expected undersized file to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("undersized file must be deleted, stat err=%v", err)
	}
}

func TestCheckExisting_BadSignatureIsDeleted(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fake.pdf", append([]byte("<html>error page</html>"), bytes.Repeat([]byte{'x'}, 2000)...))

	if _, ok := CheckExisting(path, 1000); ok {
		t.Fatalf("expected file without signature to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("invalid file must be deleted, stat err=%v", err)
	}
}

func TestCheckExisting_Missing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "absent.pdf")

	if _, ok := CheckExisting(path, 1000); ok {
		t.Fatalf("expected missing file to fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("check must not create the file, stat err=%v", err)
	}
}
