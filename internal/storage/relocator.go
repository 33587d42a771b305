// Package storage holds the durable asset store for generation results.
//
// DiskRelocator downloads a provider result (whose URL usually expires after
// a few days) into a local directory that the HTTP server exposes as static
// files, and returns the public URL of the copy.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tbourn/go-credits-backend/internal/services"
)

// DefaultMaxBytes caps a single relocated asset.
const DefaultMaxBytes = 200 << 20

var (
	// ErrTooLarge is returned when an asset exceeds the configured size limit.
	ErrTooLarge = errors.New("asset exceeds size limit")
	// ErrForbiddenHost is returned for asset URLs outside AllowedHosts or
	// resolving to a loopback, private or link-local address.
	ErrForbiddenHost = errors.New("asset host not allowed")
)

// DiskRelocator copies remote assets into Dir and serves them under
// PublicBaseURL.
//
// Downloads only reach public addresses unless AllowPrivate is set. When
// AllowedHosts is non-empty the URL host (and every redirect target) must
// equal one of its entries or be a subdomain of one.
type DiskRelocator struct {
	Dir           string
	PublicBaseURL string
	MaxBytes      int64
	AllowedHosts  []string
	AllowPrivate  bool
	Client        *http.Client
}

var _ services.Relocator = (*DiskRelocator)(nil)

// NewDiskRelocator creates dir if needed and returns a relocator for it.
func NewDiskRelocator(dir, publicBaseURL string) (*DiskRelocator, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage: asset dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create asset dir: %w", err)
	}
	r := &DiskRelocator{
		Dir:           dir,
		PublicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		MaxBytes:      DefaultMaxBytes,
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second, Control: r.dialControl}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	tr.DialContext = dialer.DialContext
	r.Client = &http.Client{
		Timeout:   2 * time.Minute,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("storage: too many redirects")
			}
			return r.checkHost(req.URL)
		},
	}
	return r, nil
}

// Relocate downloads temporaryURL and returns the stable URL of the local
// copy. The file name is derived from the source URL, so relocating the same
// URL twice yields the same name.
func (r *DiskRelocator) Relocate(ctx context.Context, temporaryURL string) (string, error) {
	src, err := url.Parse(temporaryURL)
	if err != nil || (src.Scheme != "http" && src.Scheme != "https") {
		return "", fmt.Errorf("storage: unsupported url %q", temporaryURL)
	}
	if err := r.checkHost(src); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, temporaryURL, nil)
	if err != nil {
		return "", fmt.Errorf("storage: create request: %w", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage: download: status %d", resp.StatusCode)
	}

	name := objectName(src, resp.Header.Get("Content-Type"))
	if err := r.write(name, resp.Body); err != nil {
		return "", err
	}
	return r.PublicBaseURL + "/" + name, nil
}

// write streams body into Dir/name through a temp file so readers never see
// a partial asset.
func (r *DiskRelocator) write(name string, body io.Reader) error {
	tmp, err := os.CreateTemp(r.Dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	limit := r.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	n, err := io.Copy(tmp, io.LimitReader(body, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("storage: write: %w", err)
	}
	if n > limit {
		return ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.Dir, name)); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

func (r *DiskRelocator) checkHost(u *url.URL) error {
	if len(r.AllowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range r.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
}

// dialControl runs after name resolution, so it sees the address actually
// being connected to.
func (r *DiskRelocator) dialControl(_, address string, _ syscall.RawConn) error {
	if r.AllowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !publicIP(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	return nil
}

func publicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast())
}

func (r *DiskRelocator) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// objectName hashes the source URL and keeps a safe extension taken from the
// path or, failing that, from the content type.
func objectName(src *url.URL, contentType string) string {
	sum := sha256.Sum256([]byte(src.String()))
	name := hex.EncodeToString(sum[:16])

	ext := strings.ToLower(path.Ext(src.Path))
	if !safeExt(ext) {
		ext = ""
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	if !safeExt(ext) {
		return name
	}
	return name + ext
}

func safeExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
