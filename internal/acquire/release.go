package acquire

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/osiriscare/agent-deployer/internal/deployerr"
)

// Release is the subset of the GitHub "latest release" document we use.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// fallbackArch is tried when no asset matches the host architecture;
// amd64 binaries run under translation on arm64 macOS.
const fallbackArch = "amd64"

// SelectAsset picks the asset built for goos/goarch, falling back to
// goos/amd64. Detached signatures and checksum files are never selected.
func SelectAsset(assets []Asset, goos, goarch string) (Asset, bool) {
	for _, arch := range []string{goarch, fallbackArch} {
		suffix := "-" + goos + "-" + arch
		for _, a := range assets {
			if strings.HasSuffix(a.Name, suffix) && a.BrowserDownloadURL != "" {
				return a, true
			}
		}
	}
	return Asset{}, false
}

// LatestRelease fetches the latest published release of repo ("owner/name").
func (a *Acquirer) LatestRelease(ctx context.Context, repo string) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(a.APIBase, "/"), repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, deployerr.Wrap(deployerr.DownloadFailed, err, "build release request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "agent-deployer")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, deployerr.Wrap(deployerr.DownloadFailed, err, "fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, deployerr.New(deployerr.DownloadFailed, "HTTP %d from %s", resp.StatusCode, url)
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, deployerr.Wrap(deployerr.DownloadFailed, err, "decode release index")
	}
	return &rel, nil
}

func (a *Acquirer) fromRelease(ctx context.Context, repo, dest string) error {
	rel, err := a.LatestRelease(ctx, repo)
	if err != nil {
		return err
	}

	asset, ok := SelectAsset(rel.Assets, a.GOOS, a.GOARCH)
	if !ok {
		return deployerr.New(deployerr.BinaryNotFound, "release %s of %s has no %s/%s or %s/%s asset",
			rel.TagName, repo, a.GOOS, a.GOARCH, a.GOOS, fallbackArch)
	}

	versionPath := filepath.Join(filepath.Dir(dest), versionFile)
	if installed := readVersionFile(versionPath); isRegularFile(dest) && upToDate(installed, rel.TagName) {
		log.Printf("[acquire] %s already installed at %s, skipping download", installed, dest)
		return nil
	}

	log.Printf("[acquire] Downloading %s (%s) from %s", asset.Name, rel.TagName, asset.BrowserDownloadURL)
	if err := a.download(ctx, asset.BrowserDownloadURL, dest); err != nil {
		return err
	}

	if rel.TagName != "" {
		if err := os.WriteFile(versionPath, []byte(rel.TagName+"\n"), 0o644); err != nil {
			log.Printf("[acquire] WARNING: failed to write %s: %v", versionPath, err)
		}
	}
	return nil
}

func (a *Acquirer) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return deployerr.Wrap(deployerr.DownloadFailed, err, "build download request")
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("User-Agent", "agent-deployer")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return deployerr.Wrap(deployerr.DownloadFailed, err, "download %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deployerr.New(deployerr.DownloadFailed, "HTTP %d from %s", resp.StatusCode, url)
	}

	return writeExecutable(resp.Body, dest, deployerr.DownloadFailed)
}

// upToDate reports whether the installed tag is at least the latest tag.
// Unparseable tags only count as current when they match exactly.
func upToDate(installed, latest string) bool {
	if installed == "" || latest == "" {
		return false
	}
	if semver.IsValid(installed) && semver.IsValid(latest) {
		return semver.Compare(installed, latest) >= 0
	}
	return installed == latest
}

// readVersionFile reads the VERSION sidecar written after a download.
func readVersionFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
