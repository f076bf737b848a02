package action

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/klauspost/compress/zstd"
	"github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"

	"github.com/nixcore/installer/internal/httputil"
	"github.com/nixcore/installer/internal/ierr"
	"github.com/nixcore/installer/internal/log"
	"github.com/nixcore/installer/internal/progress"
)

// maxPGPKeySize bounds the detached-signature public key fetch (100KB).
const maxPGPKeySize = 100 * 1024

func init() {
	Register(tagFetchAndUnpackNix, func(f json.RawMessage) (Action, error) {
		var a FetchAndUnpackNix
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
	Register(tagMoveUnpackedNix, func(f json.RawMessage) (Action, error) {
		var a MoveUnpackedNix
		if err := json.Unmarshal(f, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

const (
	tagFetchAndUnpackNix = "fetch_and_unpack_nix"
	tagMoveUnpackedNix   = "move_unpacked_nix"
)

// FetchAndUnpackNix downloads the Nix release tarball from URL and
// extracts it into DestDir, guarding against path traversal and
// symlink-escape (isPathWithinDirectory / validateSymlinkTarget).
// Reverted by removing DestDir recursively.
type FetchAndUnpackNix struct {
	Base
	URL            string `json:"url"`
	ExpectedSHA256 string `json:"expected_sha256"`
	DestDir        string `json:"dest_dir"`

	// SignatureURL, PGPKeyURL and PGPKeyFingerprint are populated only
	// when Settings.VerifyTarballSignature is on (default off). When
	// SignatureURL is empty, Execute skips verification entirely so
	// the default action list is unaffected by this supplemental
	// feature.
	SignatureURL      string `json:"signature_url,omitempty"`
	PGPKeyURL         string `json:"pgp_key_url,omitempty"`
	PGPKeyFingerprint string `json:"pgp_key_fingerprint,omitempty"`
}

func (a *FetchAndUnpackNix) Tag() string { return tagFetchAndUnpackNix }

func (a *FetchAndUnpackNix) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{
		Synopsis:  fmt.Sprintf("Download and unpack Nix from %s", a.URL),
		Rationale: []string{"The Nix store and daemon binaries are shipped as a tarball release."},
	}}
}

func (a *FetchAndUnpackNix) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove the unpacked tarball at %s", a.DestDir)}}
}

func (a *FetchAndUnpackNix) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)

	client := httputil.NewSecureClient(httputil.DefaultOptions())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return ierr.NewIOError(a.Tag(), a.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ierr.NewIOError(a.Tag(), a.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ierr.NewIOError(a.Tag(), a.URL, fmt.Errorf("unexpected status %s", resp.Status))
	}

	tmp, err := os.CreateTemp("", "nix-installer-core-fetch-*")
	if err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var dest io.Writer = tmp
	if progress.ShouldShowProgress() {
		pw := progress.NewWriter(tmp, resp.ContentLength, os.Stderr)
		defer pw.Finish()
		dest = pw
	}
	if _, err := io.Copy(dest, resp.Body); err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}
	if err := verifyChecksum(tmp.Name(), a.ExpectedSHA256); err != nil {
		return ierr.NewMismatchError(a.Tag(), a.URL, err)
	}
	if a.SignatureURL != "" {
		if err := verifyTarballSignature(ctx, tmp.Name(), a.SignatureURL, a.PGPKeyURL, a.PGPKeyFingerprint); err != nil {
			return ierr.NewMismatchError(a.Tag(), a.URL, err)
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}
	if err := os.MkdirAll(a.DestDir, 0755); err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}

	var spinner *progress.Spinner
	if progress.ShouldShowProgress() {
		spinner = progress.NewSpinner(os.Stderr)
		spinner.Start("Unpacking Nix tarball")
	}
	extractErr := extractArchive(tmp.Name(), a.URL, a.DestDir)
	if spinner != nil {
		spinner.Stop()
	}
	if extractErr != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, extractErr)
	}
	log.Default().Info("unpacked Nix tarball", "url", a.URL, "dest", a.DestDir)
	a.SetState(Completed)
	return nil
}

func (a *FetchAndUnpackNix) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	if err := os.RemoveAll(a.DestDir); err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *FetchAndUnpackNix) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// MoveUnpackedNix finds the single "nix-*" directory FetchAndUnpackNix
// extracted under SrcDir and renames its "store" subdirectory into place
// at DestDir, then removes SrcDir entirely. Revert is a deliberate no-op:
// by the time this action is Completed, /nix/store is live and nothing
// meaningful can be undone short of deleting the store outright.
type MoveUnpackedNix struct {
	Base
	SrcDir  string `json:"src_dir"`
	DestDir string `json:"dest_dir"`
}

func (a *MoveUnpackedNix) Tag() string { return tagMoveUnpackedNix }

func (a *MoveUnpackedNix) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Move the unpacked Nix store from %s into %s", a.SrcDir, a.DestDir)}}
}

func (a *MoveUnpackedNix) DescribeRevert() []Description {
	// Deliberately empty: this is a no-op.
	return nil
}

func (a *MoveUnpackedNix) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	nixDir, err := findUnpackedNixDir(a.SrcDir)
	if err != nil {
		return ierr.NewMismatchError(a.Tag(), a.SrcDir, err)
	}
	srcStore := filepath.Join(nixDir, "store")
	if err := os.MkdirAll(filepath.Dir(a.DestDir), 0755); err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}
	if err := os.Rename(srcStore, a.DestDir); err != nil {
		return ierr.NewIOError(a.Tag(), a.DestDir, err)
	}
	if err := os.RemoveAll(a.SrcDir); err != nil {
		return ierr.NewIOError(a.Tag(), a.SrcDir, err)
	}
	a.SetState(Completed)
	return nil
}

// findUnpackedNixDir globs srcDir for "nix-*" entries and returns the
// single match, failing if there isn't exactly one.
func findUnpackedNixDir(srcDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(srcDir, "nix-*"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("expected exactly one nix-* directory in %s, found %d", srcDir, len(matches))
	}
	return matches[0], nil
}

func (a *MoveUnpackedNix) Revert(ctx context.Context) error {
	// Noop, per spec.md: /nix/store is live by the time this action is
	// Completed and there is nothing meaningful left to undo.
	return nil
}

func (a *MoveUnpackedNix) MarshalFields() (json.RawMessage, error) { return json.Marshal(a) }

// --- extraction ---

func extractArchive(archivePath, nameHint, destDir string) error {
	reader, closer, err := openDecompressed(archivePath, nameHint)
	if err != nil {
		return err
	}
	defer closer()
	return extractTar(reader, destDir)
}

func openDecompressed(path, nameHint string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	lower := strings.ToLower(nameHint)
	switch {
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return xr, f.Close, nil
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"), strings.HasSuffix(lower, ".tbz"):
		return bzip2.NewReader(f), f.Close, nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return zr.IOReadCloser(), f.Close, nil
	case strings.HasSuffix(lower, ".tar.lz"), strings.HasSuffix(lower, ".tlz"):
		lr, err := lzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return lr, f.Close, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return gr, f.Close, nil
	default:
		// Nix releases are always compressed tarballs; an unrecognized
		// suffix falls back to gzip, the most common case, rather than
		// failing closed on a renamed-but-still-gzip URL.
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return gr, f.Close, nil
	}
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if !isPathWithinDirectory(target, destDir) {
			return fmt.Errorf("archive entry %q escapes destination directory", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(hdr.Linkname, target, destDir); err != nil {
				return err
			}
			if err := atomicSymlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	if absTarget == absBase {
		return true
	}
	return strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("symlink %q has an absolute target %q", linkLocation, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolved, destPath) {
		return fmt.Errorf("symlink %q target %q escapes destination directory", linkLocation, linkTarget)
	}
	return nil
}

func verifyChecksum(path, expectedSHA256 string) error {
	if expectedSHA256 == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(expectedSHA256) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSHA256, got)
	}
	return nil
}

// verifyTarballSignature fetches the detached signature and the signer's
// public key, checks the key's fingerprint matches expectedFingerprint,
// and verifies the signature over the downloaded tarball at path. This is
// a one-shot fetch-then-verify since the installer runs once rather than
// caching keys across invocations.
func verifyTarballSignature(ctx context.Context, path, signatureURL, keyURL, expectedFingerprint string) error {
	sigData, err := fetchBounded(ctx, signatureURL, maxPGPKeySize)
	if err != nil {
		return fmt.Errorf("fetch signature: %w", err)
	}
	keyData, err := fetchBounded(ctx, keyURL, maxPGPKeySize)
	if err != nil {
		return fmt.Errorf("fetch signing key: %w", err)
	}
	key, err := crypto.NewKeyFromArmored(string(keyData))
	if err != nil {
		return fmt.Errorf("parse PGP key: %w", err)
	}
	if got := strings.ToUpper(key.GetFingerprint()); got != strings.ToUpper(expectedFingerprint) {
		return fmt.Errorf("key fingerprint mismatch: expected %s, got %s", expectedFingerprint, got)
	}
	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return fmt.Errorf("build keyring: %w", err)
	}
	fileData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tarball: %w", err)
	}
	sig, err := crypto.NewPGPSignatureFromArmored(string(sigData))
	if err != nil {
		sig = crypto.NewPGPSignature(sigData)
	}
	if err := keyRing.VerifyDetached(crypto.NewPlainMessage(fileData), sig, 0); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func fetchBounded(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	client := httputil.NewSecureClient(httputil.DefaultOptions())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", url, maxBytes)
	}
	return data, nil
}

func atomicSymlink(target, linkPath string) error {
	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, linkPath)
}
