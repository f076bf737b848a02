// Package release resolves the Nix distribution tarball URL and checksum
// to fetch when a Settings doesn't pin an exact ReleaseURL. It queries a
// GitHub repository's latest release for an asset matching the target
// platform.
package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/nixcore/installer/internal/httputil"
)

// Asset is a resolved, downloadable release artifact.
type Asset struct {
	URL    string
	SHA256 string
}

// Resolver queries a GitHub repository's releases for the Nix tarball
// matching a platform string.
type Resolver struct {
	client *github.Client
}

// NewResolver returns a Resolver using an unauthenticated GitHub client,
// sufficient for public release listings at the request volumes a single
// install run makes.
func NewResolver() *Resolver {
	return &Resolver{client: github.NewClient(nil)}
}

// NewResolverWithClient builds a Resolver around an already-constructed
// github.Client, letting tests point it at an httptest server instead of
// the real GitHub API.
func NewResolverWithClient(client *github.Client) *Resolver {
	return &Resolver{client: client}
}

// assetNameFor returns the expected tarball asset name for platform
// (e.g. "linux/amd64" -> "nix-<version>-x86_64-linux.tar.xz"), matching
// the naming scheme Nix's own release tooling uses. version is substituted
// from the resolved release's tag.
func assetNameFor(platform, version string) (string, error) {
	parts := strings.SplitN(platform, "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed platform %q", platform)
	}
	osName, arch := parts[0], parts[1]
	archName := arch
	if arch == "amd64" {
		archName = "x86_64"
	}
	if arch == "arm64" {
		archName = "aarch64"
	}
	switch osName {
	case "darwin":
		return fmt.Sprintf("nix-%s-%s-darwin.tar.xz", version, archName), nil
	case "linux":
		return fmt.Sprintf("nix-%s-%s-linux.tar.xz", version, archName), nil
	default:
		return "", fmt.Errorf("unsupported os %q", osName)
	}
}

// LatestTarball resolves owner/repo's latest release and returns the
// download URL plus SHA256 for the asset matching platform, read from a
// "<asset>.sha256" sidecar asset published alongside the tarball.
func (r *Resolver) LatestTarball(ctx context.Context, owner, repo, platform string) (Asset, error) {
	rel, _, err := r.client.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		return Asset{}, fmt.Errorf("get latest release for %s/%s: %w", owner, repo, err)
	}
	version := strings.TrimPrefix(rel.GetTagName(), "v")
	wantName, err := assetNameFor(platform, version)
	if err != nil {
		return Asset{}, err
	}

	var tarballURL, checksumURL string
	for _, a := range rel.Assets {
		switch a.GetName() {
		case wantName:
			tarballURL = a.GetBrowserDownloadURL()
		case wantName + ".sha256":
			checksumURL = a.GetBrowserDownloadURL()
		}
	}
	if tarballURL == "" {
		return Asset{}, fmt.Errorf("release %s of %s/%s has no asset named %q", rel.GetTagName(), owner, repo, wantName)
	}

	asset := Asset{URL: tarballURL}
	if checksumURL != "" {
		sum, err := fetchChecksum(ctx, checksumURL)
		if err != nil {
			return Asset{}, fmt.Errorf("fetch checksum for %s: %w", wantName, err)
		}
		asset.SHA256 = sum
	}
	return asset, nil
}

// fetchChecksum downloads a "<name>.sha256" sidecar file, which is
// conventionally either a bare hex digest or "<hex>  <filename>".
func fetchChecksum(ctx context.Context, url string) (string, error) {
	client := httputil.NewSecureClient(httputil.DefaultOptions())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file")
	}
	return strings.ToLower(fields[0]), nil
}
