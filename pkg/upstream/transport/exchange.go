package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/miekg/dns"

	C "github.com/pmkol/httpsdns/constant"
	"github.com/pmkol/httpsdns/pkg/pool"
)

const (
	DNSContentType = "application/dns-message"
	acceptEncoding = "gzip, br"
)

var defaultUserAgent = fmt.Sprintf("httpsdns/%s", C.Version)

var (
	ErrEncode        = errors.New("failed to encode query")
	ErrInvalidStatus = errors.New("unexpected http status")
	ErrEmptyResponse = errors.New("empty response")
	ErrTooLarge      = errors.New("response too large")
)

// Exchange posts q to url in dns wire format (RFC 8484) and returns the
// decoded response. Errors from packing q wrap ErrEncode.
func Exchange(ctx context.Context, c *http.Client, url string, q *dns.Msg) (*dns.Msg, error) {
	wire, buf, err := pool.PackBuffer(q)
	if err != nil {
		return nil, fmt.Errorf("%w, %w", ErrEncode, err)
	}
	defer buf.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", DNSContentType)
	req.Header.Set("Accept", DNSContentType)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("User-Agent", defaultUserAgent)

	res, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, res.Status)
	}

	body, err := readBody(res)
	if err != nil {
		return nil, err
	}

	r := new(dns.Msg)
	if err := r.Unpack(body); err != nil {
		return nil, fmt.Errorf("invalid response msg, %w", err)
	}
	return r, nil
}

// readBody reads at most dns.MaxMsgSize bytes of decoded body.
func readBody(res *http.Response) ([]byte, error) {
	var rd io.Reader
	switch enc := strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		rd = res.Body
	case "gzip":
		gr, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body, %w", err)
		}
		defer gr.Close()
		rd = gr
	case "br":
		rd = brotli.NewReader(res.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", enc)
	}

	b, err := io.ReadAll(io.LimitReader(rd, dns.MaxMsgSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > dns.MaxMsgSize {
		return nil, ErrTooLarge
	}
	if len(b) == 0 {
		return nil, ErrEmptyResponse
	}
	return b, nil
}
