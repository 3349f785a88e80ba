// Package remote submits isochrone requests to the CMD web form and downloads
// the resulting table file.
package remote

import (
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"isochrone/internal/errs"
	"isochrone/internal/params"
)

const (
	// DefaultBaseURL is the public CMD server.
	DefaultBaseURL = "http://stev.oapd.inaf.it"

	// DefaultTimeout bounds one whole Fetch (form submit plus download).
	DefaultTimeout = 120 * time.Second

	formPath = "/cgi-bin/cmd"
	tmpPath  = "/~lgirardi/tmp/"
)

var outputName = regexp.MustCompile(`output\d+`)

// Client talks to one CMD server. It is safe for concurrent use.
type Client struct {
	hc      *http.Client
	baseURL string
	limiter *rate.Limiter
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithBaseURL points the client at another CMD server, e.g. a mirror or a
// test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithLimiter spaces form submissions. A nil limiter disables spacing.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithMinInterval is WithLimiter with a one-token bucket refilled every d.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

func New(opts ...Option) *Client {
	c := &Client{
		hc:      &http.Client{Timeout: DefaultTimeout},
		baseURL: DefaultBaseURL,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch submits set's form and returns the table file, decompressed if the
// server sent it gzip, bzip2 or zip compressed. It never retries.
func (c *Client) Fetch(ctx context.Context, set *params.Set) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Wait refuses up front when the deadline would pass first
			if _, ok := ctx.Deadline(); ok && !errors.Is(err, context.Canceled) {
				return nil, errs.Timeout("remote.wait", err)
			}
			return nil, c.fetchErr(ctx, "remote.wait", err)
		}
	}

	start := time.Now()
	page, err := c.submit(ctx, set)
	if err != nil {
		return nil, err
	}

	name := outputName.Find(page)
	if name == nil {
		if msg := errorWarning(page); msg != "" {
			c.log.Warn().Str("fp", set.Fingerprint()).Str("reason", msg).Msg("cmd rejected request")
			return nil, errs.Rejected("remote.submit", msg)
		}
		return nil, errs.Fetchf("remote.submit", "no output file named in response (%d bytes)", len(page))
	}

	datURL := c.baseURL + tmpPath + string(name) + ".dat"
	body, err := c.get(ctx, datURL)
	if err != nil {
		return nil, err
	}
	if kind := compression(body); kind != "" {
		if body, err = decompress(kind, body); err != nil {
			return nil, errs.Fetch("remote.download", fmt.Errorf("%s %s: %w", kind, datURL, err))
		}
	}

	c.log.Debug().
		Str("fp", set.Fingerprint()).
		Str("file", string(name)).
		Int("bytes", len(body)).
		Dur("took", time.Since(start)).
		Msg("cmd fetch done")
	return body, nil
}

func (c *Client) submit(ctx context.Context, set *params.Set) ([]byte, error) {
	form := set.Form().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+formPath, strings.NewReader(form))
	if err != nil {
		return nil, errs.Fetch("remote.submit", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.log.Debug().Str("fp", set.Fingerprint()).Str("url", req.URL.String()).Msg("cmd submit")
	return c.do(ctx, "remote.submit", req)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errs.Fetch("remote.download", err)
	}
	// keep the transport from transparently gunzipping; compression decides
	req.Header.Set("Accept-Encoding", "identity")
	return c.do(ctx, "remote.download", req)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.fetchErr(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fetchErr(ctx, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.Fetchf(op, "%s %s: status %d", req.Method, req.URL, resp.StatusCode)
	}
	return body, nil
}

func (c *Client) fetchErr(ctx context.Context, op string, err error) error {
	if isTimeout(ctx, err) {
		return errs.Timeout(op, err)
	}
	return errs.Fetch(op, err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var magics = []struct {
	kind  string
	magic []byte
}{
	{"gzip", []byte{0x1f, 0x8b}},
	{"bzip2", []byte("BZh")},
	{"zip", []byte("PK\x03\x04")},
}

// compression names the container b is wrapped in, or "" for plain text.
func compression(b []byte) string {
	for _, m := range magics {
		if bytes.HasPrefix(b, m.magic) {
			return m.kind
		}
	}
	return ""
}

func decompress(kind string, b []byte) ([]byte, error) {
	switch kind {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "bzip2":
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(b)))
	case "zip":
		zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
		if err != nil {
			return nil, err
		}
		if len(zr.File) != 1 {
			return nil, fmt.Errorf("archive holds %d files, want 1", len(zr.File))
		}
		rc, err := zr.File[0].Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return b, nil
}

// errorWarning returns the text of the page's <p class="errorwarning">
// elements, which is where CMD explains why it refused a form.
func errorWarning(page []byte) string {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "p" && hasClass(n, "errorwarning") {
			if t := strings.Join(strings.Fields(text(n)), " "); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(doc)
	return strings.Join(parts, "; ")
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func text(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		b.WriteString(text(ch))
		b.WriteString(" ")
	}
	return b.String()
}
