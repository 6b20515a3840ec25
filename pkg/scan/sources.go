package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"cardscan/pkg/blobstore"
)

// MaxImageBytes bounds images fetched by URL.
const MaxImageBytes = 20 << 20

// ErrImageURLNotAllowed rejects image URLs outside the configured hosts or
// pointing at a non-public address.
var ErrImageURLNotAllowed = fmt.Errorf("%w: image URL not allowed", ErrInvalidRequest)

// SourceResolver returns the original bytes of a scan however they were
// stored: embedded as a data URI, referenced by http(s) URL, or kept in the
// blob store. URLs are only fetched from the allowed hosts (a host also
// allows its subdomains); with none configured URL references are refused.
type SourceResolver struct {
	blobs      blobstore.Store
	httpClient *http.Client
	hosts      []string
}

// NewSourceResolver builds a resolver. A nil httpClient gets one that
// refuses to connect to loopback, private or link-local addresses, also
// after redirects.
func NewSourceResolver(blobs blobstore.Store, httpClient *http.Client, allowedHosts []string) *SourceResolver {
	r := &SourceResolver{blobs: blobs, httpClient: httpClient}
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.hosts = append(r.hosts, strings.TrimPrefix(h, "."))
		}
	}
	if r.httpClient == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second, Control: publicOnly}
		r.httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{DialContext: dialer.DialContext, TLSHandshakeTimeout: 10 * time.Second},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return r.CheckURL(req.URL.String())
			},
		}
	}
	return r
}

// CheckURL reports whether ref may be fetched.
func (r *SourceResolver) CheckURL(ref string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImageURLNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrImageURLNotAllowed, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q", ErrImageURLNotAllowed, host)
	}
	if ip := net.ParseIP(host); ip != nil && !isPublicIP(ip) {
		return fmt.Errorf("%w: address %s is not public", ErrImageURLNotAllowed, ip)
	}
	for _, h := range r.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q is not in the allowed list", ErrImageURLNotAllowed, host)
}

func (r *SourceResolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case ref == "":
		return nil, ErrMissingImage
	case blobstore.IsDataURI(ref):
		data, _, err := blobstore.DecodeDataURI(ref)
		return data, err
	case isHTTPURL(ref):
		if err := r.CheckURL(ref); err != nil {
			return nil, err
		}
		return r.download(ctx, ref)
	}
	if r.blobs == nil {
		return nil, fmt.Errorf("no blob store for reference %q", ref)
	}
	return r.blobs.Fetch(ctx, ref)
}

func (r *SourceResolver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", MaxImageBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch image: empty body")
	}
	return data, nil
}

func isHTTPURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast())
}

// publicOnly runs after DNS resolution, so a public name resolving to an
// internal address is refused too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: address %s is not public", ErrImageURLNotAllowed, host)
	}
	return nil
}
