package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// assetManifest is the asset-manifest.json written by common frontend build
// tools.
type assetManifest struct {
	Files       map[string]string `json:"files"`
	Entrypoints []string          `json:"entrypoints"`
}

// manifestDiscoverer extends the precache list with paths found in build
// asset manifests and sitemaps served by the application origin.
type manifestDiscoverer struct {
	net       Network
	origin    string
	manifests []string
	sitemaps  []string
}

func (d *manifestDiscoverer) discover(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, m := range d.manifests {
		paths, err := d.fromAssetManifest(ctx, d.absolute(m))
		if err != nil {
			return nil, fmt.Errorf("asset manifest %q: %w", m, err)
		}
		for _, p := range paths {
			add(p)
		}
	}

	queue := make([]string, 0, len(d.sitemaps))
	for _, sm := range d.sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, d.absolute(sm))
		}
	}
	seenSitemaps := map[string]struct{}{}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := d.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, d.absolute(nested))
			}
		}
		for _, loc := range doc.URLs {
			add(d.sameOriginPath(loc))
		}
	}
	return out, nil
}

func (d *manifestDiscoverer) fromAssetManifest(ctx context.Context, manifestURL string) ([]string, error) {
	body, err := d.get(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	var m assetManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	var out []string
	for _, f := range m.Files {
		if strings.HasSuffix(f, ".map") {
			continue
		}
		if p := d.sameOriginPath(f); p != "" {
			out = append(out, p)
		}
	}
	for _, e := range m.Entrypoints {
		if p := d.sameOriginPath(e); p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *manifestDiscoverer) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	body, err := d.get(ctx, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	// Tolerate .gz sitemaps whether or not the server already decoded them.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}
	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	return doc, nil
}

func (d *manifestDiscoverer) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := NewRequest(http.MethodGet, rawURL, DestOther)
	if err != nil {
		return nil, err
	}
	resp, err := d.net.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := resp.Body()
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		if len(body) > 2048 {
			body = body[:2048]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (d *manifestDiscoverer) absolute(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return d.origin + u
}

// sameOriginPath returns the path (and query) of loc when it belongs to the
// application origin, or "" otherwise.
func (d *manifestDiscoverer) sameOriginPath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(d.absolute(loc))
	if err != nil || originOf(u) != d.origin {
		return ""
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.RequestURI()
}
