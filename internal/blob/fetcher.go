package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/certgen/internal/domain"
)

const defaultMaxFetchBytes = 20 << 20

// Fetcher loads template backgrounds. A reference is either an http(s)
// URL or a key in the blob store.
type Fetcher struct {
	store    Store
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. maxBytes <= 0 selects the default limit.
func NewFetcher(store Store, timeout time.Duration, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &Fetcher{
		store:    store,
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch returns the referenced bytes. Failures are *domain.RenderError
// values; missing or oversized objects are permanent.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, domain.NewPermanentRenderError(domain.StageFetch, errors.New("empty background reference"))
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return f.fetchURL(ctx, ref)
	}
	return f.fetchBlob(ctx, ref)
}

func (f *Fetcher) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewPermanentRenderError(domain.StageFetch, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.NewRenderError(domain.StageFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, domain.NewRenderError(domain.StageFetch, fmt.Errorf("GET %s: %s", url, resp.Status))
	default:
		return nil, domain.NewPermanentRenderError(domain.StageFetch, fmt.Errorf("GET %s: %s", url, resp.Status))
	}

	return f.readLimited(resp.Body)
}

func (f *Fetcher) fetchBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := f.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, domain.NewPermanentRenderError(domain.StageFetch, err)
		}
		return nil, domain.NewRenderError(domain.StageFetch, err)
	}
	defer rc.Close()

	return f.readLimited(rc)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, domain.NewRenderError(domain.StageFetch, err)
	}
	if n > f.maxBytes {
		return nil, domain.NewPermanentRenderError(domain.StageFetch,
			fmt.Errorf("background exceeds %d bytes", f.maxBytes))
	}
	return buf.Bytes(), nil
}
