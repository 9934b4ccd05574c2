package tunnel

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func makeTgz(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o755,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func installSupervisor(t *testing.T, downloadBase string) *Supervisor {
	t.Helper()
	return New(Config{
		BinDir:       t.TempDir(),
		DownloadBase: downloadBase,
	}, nil, testLogger())
}

func TestDownloadReleasePlainAsset(t *testing.T) {
	const payload = "#!/bin/sh\nexit 0\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cloudflared-linux-amd64" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	s := installSupervisor(t, srv.URL)
	path, err := s.downloadRelease(context.Background(), "linux", "amd64")
	if err != nil {
		t.Fatalf("downloadRelease() error: %v", err)
	}
	if filepath.Dir(path) != s.cfg.BinDir {
		t.Errorf("binary installed at %q, want inside %q", path, s.cfg.BinDir)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read installed binary: %v", err)
	}
	if string(data) != payload {
		t.Errorf("installed binary content = %q, want %q", data, payload)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat installed binary: %v", err)
		}
		if info.Mode().Perm()&0o111 == 0 {
			t.Errorf("installed binary mode = %v, want executable", info.Mode())
		}
	}
}

func TestDownloadReleaseTarball(t *testing.T) {
	tgz := makeTgz(t, "cloudflared", "binary-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cloudflared-darwin-arm64.tgz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(tgz)
	}))
	defer srv.Close()

	s := installSupervisor(t, srv.URL)
	path, err := s.downloadRelease(context.Background(), "darwin", "arm64")
	if err != nil {
		t.Fatalf("downloadRelease() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read installed binary: %v", err)
	}
	if string(data) != "binary-bytes" {
		t.Errorf("installed binary content = %q, want binary-bytes", data)
	}
}

func TestDownloadReleaseUnsupportedPlatform(t *testing.T) {
	s := installSupervisor(t, "http://unused.invalid")
	_, err := s.downloadRelease(context.Background(), "plan9", "mips")
	if err == nil {
		t.Fatal("downloadRelease() succeeded for unsupported platform")
	}
	if !strings.Contains(err.Error(), "unsupported platform: plan9/mips") {
		t.Errorf("error = %q, want unsupported platform", err)
	}
}

func TestDownloadReleaseHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := installSupervisor(t, srv.URL)
	_, err := s.downloadRelease(context.Background(), "linux", "arm64")
	if err == nil {
		t.Fatal("downloadRelease() succeeded on 404")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("error = %q, want status 404", err)
	}
}

func TestExtractTarGzMissingEntry(t *testing.T) {
	tgz := makeTgz(t, "README.md", "not a binary")
	outPath := filepath.Join(t.TempDir(), "cloudflared")
	err := extractTarGz(bytes.NewReader(tgz), "cloudflared", outPath)
	if err == nil {
		t.Fatal("extractTarGz() succeeded without the expected entry")
	}
	if !strings.Contains(err.Error(), "not found in tarball") {
		t.Errorf("error = %q, want not found in tarball", err)
	}
}

func TestEnsureInstalledPrefersExplicitPath(t *testing.T) {
	s := New(Config{BinaryPath: "/opt/custom/cloudflared"}, nil, testLogger())
	path, err := s.EnsureInstalled(context.Background())
	if err != nil {
		t.Fatalf("EnsureInstalled() error: %v", err)
	}
	if path != "/opt/custom/cloudflared" {
		t.Errorf("EnsureInstalled() = %q, want explicit path", path)
	}
}

func TestEnsureInstalledFindsLocalBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("local binary probe requires a POSIX shell")
	}
	binDir := t.TempDir()
	local := filepath.Join(binDir, "agentap-tunnel-probe")
	if err := os.WriteFile(local, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write local binary: %v", err)
	}

	// The binary name is absent from PATH, so resolution falls through to
	// the bin directory.
	s := New(Config{
		Binary: "agentap-tunnel-probe",
		BinDir: binDir,
	}, nil, testLogger())
	path, err := s.EnsureInstalled(context.Background())
	if err != nil {
		t.Fatalf("EnsureInstalled() error: %v", err)
	}
	if path != local {
		t.Errorf("EnsureInstalled() = %q, want %q", path, local)
	}
}

func TestProbeRejectsMissingAndDirectories(t *testing.T) {
	s := New(Config{}, nil, testLogger())
	if s.probe(context.Background(), filepath.Join(t.TempDir(), "nope")) {
		t.Error("probe() = true for missing file")
	}
	if s.probe(context.Background(), t.TempDir()) {
		t.Error("probe() = true for directory")
	}
}
