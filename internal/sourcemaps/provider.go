package sourcemaps

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxMapSize bounds a fetched source map at 64 MiB.
const maxMapSize = 64 << 20

// HTTPProvider fetches source maps from the server that served the compiled
// script. Relative sourceMappingURL values resolve against the compiled
// script's URL; inline data: URLs decode locally without a request.
type HTTPProvider struct {
	client *http.Client
}

// NewHTTPProvider returns a provider with a bounded request timeout.
func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *HTTPProvider) SourceMap(ctx context.Context, compiledURL, sourceMapURL string) ([]byte, error) {
	if strings.HasPrefix(sourceMapURL, "data:") {
		return decodeDataURL(sourceMapURL)
	}

	resolved, err := resolveMapURL(compiledURL, sourceMapURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build source map request for %s: %w", resolved, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source map %s: %w", resolved, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source map %s returned status %d", resolved, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMapSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read source map %s: %w", resolved, err)
	}
	return data, nil
}

// resolveMapURL resolves sourceMapURL against the compiled script's URL.
func resolveMapURL(compiledURL, sourceMapURL string) (string, error) {
	ref, err := url.Parse(sourceMapURL)
	if err != nil {
		return "", fmt.Errorf("invalid source map URL %q: %w", sourceMapURL, err)
	}
	if ref.IsAbs() {
		return sourceMapURL, nil
	}

	base, err := url.Parse(compiledURL)
	if err != nil {
		return "", fmt.Errorf("invalid compiled script URL %q: %w", compiledURL, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// decodeDataURL extracts the payload of an inline data: source map.
func decodeDataURL(u string) ([]byte, error) {
	comma := strings.IndexByte(u, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URL source map")
	}
	header, payload := u[:comma], u[comma+1:]

	if strings.Contains(header, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode inline source map: %w", err)
		}
		return data, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode inline source map: %w", err)
	}
	return []byte(decoded), nil
}
