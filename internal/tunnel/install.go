package tunnel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// releaseAssets maps GOOS/GOARCH to the published cloudflared asset name.
var releaseAssets = map[string]string{
	"linux/amd64":   "cloudflared-linux-amd64",
	"linux/arm64":   "cloudflared-linux-arm64",
	"linux/arm":     "cloudflared-linux-arm",
	"linux/386":     "cloudflared-linux-386",
	"darwin/amd64":  "cloudflared-darwin-amd64.tgz",
	"darwin/arm64":  "cloudflared-darwin-arm64.tgz",
	"windows/amd64": "cloudflared-windows-amd64.exe",
	"windows/386":   "cloudflared-windows-386.exe",
}

// EnsureInstalled returns a runnable tunnel binary path. Resolution order:
// explicit override, PATH, the local bin directory, then installation.
func (s *Supervisor) EnsureInstalled(ctx context.Context) (string, error) {
	if s.cfg.BinaryPath != "" {
		return s.cfg.BinaryPath, nil
	}
	if path, err := exec.LookPath(s.cfg.Binary); err == nil && s.probe(ctx, path) {
		return path, nil
	}
	local := filepath.Join(s.cfg.BinDir, localBinaryName(s.cfg.Binary))
	if s.probe(ctx, local) {
		return local, nil
	}
	return s.install(ctx)
}

// probe runs `<path> --version`; any clean execution counts as installed.
func (s *Supervisor) probe(ctx context.Context, path string) bool {
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return false
	}
	return exec.CommandContext(ctx, path, "--version").Run() == nil
}

func localBinaryName(binary string) string {
	if runtime.GOOS == "windows" {
		return binary + ".exe"
	}
	return binary
}

func (s *Supervisor) install(ctx context.Context) (string, error) {
	if runtime.GOOS == "darwin" {
		if path, err := s.brewInstall(ctx); err == nil {
			return path, nil
		}
		s.log.Debug("brew install unavailable, downloading release binary")
	}
	return s.downloadRelease(ctx, runtime.GOOS, runtime.GOARCH)
}

func (s *Supervisor) brewInstall(ctx context.Context) (string, error) {
	brew, err := exec.LookPath("brew")
	if err != nil {
		return "", err
	}
	s.log.Info("installing tunnel binary via brew", zap.String("binary", s.cfg.Binary))
	if err := exec.CommandContext(ctx, brew, "install", s.cfg.Binary).Run(); err != nil {
		return "", fmt.Errorf("brew install %s: %w", s.cfg.Binary, err)
	}
	return exec.LookPath(s.cfg.Binary)
}

// downloadRelease fetches the platform asset from the provider's release
// download URL into the bin directory and marks it executable.
func (s *Supervisor) downloadRelease(ctx context.Context, goos, goarch string) (string, error) {
	asset, ok := releaseAssets[goos+"/"+goarch]
	if !ok {
		return "", fmt.Errorf("unsupported platform: %s/%s", goos, goarch)
	}
	url := s.cfg.DownloadBase + "/" + asset
	s.log.Info("downloading tunnel binary", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(s.cfg.BinDir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", s.cfg.BinDir, err)
	}
	outPath := filepath.Join(s.cfg.BinDir, localBinaryName(s.cfg.Binary))

	if strings.HasSuffix(asset, ".tgz") {
		err = extractTarGz(resp.Body, s.cfg.Binary, outPath)
	} else {
		err = writeFile(resp.Body, outPath)
	}
	if err != nil {
		return "", err
	}

	if err := os.Chmod(outPath, 0o755); err != nil {
		return "", fmt.Errorf("chmod %s: %w", outPath, err)
	}
	s.log.Info("tunnel binary installed", zap.String("path", outPath))
	return outPath, nil
}

// extractTarGz pulls the named file out of a gzipped tarball.
func extractTarGz(body io.Reader, name, outPath string) error {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tarball: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != name {
			continue
		}
		return writeFile(tr, outPath)
	}
	return fmt.Errorf("%s not found in tarball", name)
}

func writeFile(r io.Reader, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}
