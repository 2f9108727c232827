// Package images downloads place photos from the wikimedia mirror and
// prepares them for embedding and LLM calls.
package images

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/image/draw"

	"TopPhotos/internal/config"
	"TopPhotos/internal/ports"
)

// userAgent identifies the pipeline to the mirror and to Commons, which
// rejects anonymous clients.
const userAgent = "OsmAnd-Bot/1.0 (+https://osmand.net; support@osmand.net) OsmAndGo/1.0"

// Fetcher implements ports.ImageFetcher against the OsmAnd wikimedia mirror,
// with Wikimedia Commons as the fallback for files the mirror lacks.
type Fetcher struct {
	mirrorURL    string
	commonsURL   string
	maxDimension int
	extensions   map[string]bool
	httpClient   *http.Client
	logger       *slog.Logger
}

var _ ports.ImageFetcher = (*Fetcher)(nil)

// NewFetcher builds a fetcher from configuration.
func NewFetcher(cfg config.ImagesConfig, logger *slog.Logger) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{
		mirrorURL:    strings.TrimRight(cfg.MirrorURL, "/") + "/",
		commonsURL:   strings.TrimRight(cfg.CommonsURL, "/") + "/",
		maxDimension: cfg.MaxDimension,
		extensions:   cfg.Extensions(),
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// MirrorPath returns the mirror-relative path of a file title. The mirror
// mirrors Commons' layout: spaces become underscores and the file lands under
// md5[0]/md5[0:2]/ of the underscored title.
func MirrorPath(title string) string {
	name := strings.ReplaceAll(title, " ", "_")
	sum := fmt.Sprintf("%x", md5.Sum([]byte(name)))
	escaped := url.PathEscape(name)
	// PathEscape keeps '?', which the mirror serves percent-encoded.
	escaped = strings.ReplaceAll(escaped, "?", "%3F")
	return sum[0:1] + "/" + sum[0:2] + "/" + escaped
}

// Supported reports whether the title's extension is in the configured set.
func (f *Fetcher) Supported(title string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(title)), ".")
	return f.extensions[ext]
}

// Fetch downloads and decodes one image, downscaled to the configured
// maximum dimension. Failures are per-image: callers skip, never abort.
// Titles outside the configured extension set fail before any network call.
func (f *Fetcher) Fetch(ctx context.Context, title string) (image.Image, error) {
	if !f.Supported(title) {
		return nil, fmt.Errorf("unsupported extension: %s", title)
	}
	raw, err := f.download(ctx, title)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", title, err)
	}
	return f.downscale(img), nil
}

// FetchBase64 downloads one image and returns it base64-encoded at the
// configured maximum dimension, the payload shape LLM requests need. The
// title's own format is kept so the data URI the caller builds stays honest.
func (f *Fetcher) FetchBase64(ctx context.Context, title string) (string, error) {
	img, err := f.Fetch(ctx, title)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if strings.EqualFold(path.Ext(title), ".png") {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", title, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (f *Fetcher) download(ctx context.Context, title string) ([]byte, error) {
	raw, status, err := f.get(ctx, f.mirrorURL+MirrorPath(title))
	if err == nil {
		return raw, nil
	}
	if status != http.StatusNotFound {
		return nil, err
	}

	// The mirror lags Commons; resolve the original there before giving up.
	f.logger.Debug("image missing from mirror, trying commons", "title", title)
	original, resolveErr := f.resolveCommonsOriginal(ctx, title)
	if resolveErr != nil {
		return nil, fmt.Errorf("mirror 404 for %s and commons fallback failed: %w", title, resolveErr)
	}
	raw, _, err = f.get(ctx, original)
	return raw, err
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("get %s: status %s", rawURL, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", rawURL, err)
	}
	return raw, resp.StatusCode, nil
}

// resolveCommonsOriginal scrapes the file description page for the direct
// link to the original upload.
func (f *Fetcher) resolveCommonsOriginal(ctx context.Context, title string) (string, error) {
	pageURL := f.commonsURL + "File:" + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	raw, _, err := f.get(ctx, pageURL)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse commons page: %w", err)
	}

	href, ok := doc.Find("div.fullImageLink a").First().Attr("href")
	if !ok || href == "" {
		return "", fmt.Errorf("no original link on commons page for %s", title)
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	return href, nil
}

// downscale fits img into maxDimension x maxDimension, preserving aspect
// ratio. Images already small enough pass through untouched.
func (f *Fetcher) downscale(img image.Image) image.Image {
	if f.maxDimension <= 0 {
		return img
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= f.maxDimension && h <= f.maxDimension {
		return img
	}

	scale := float64(f.maxDimension) / float64(w)
	if h > w {
		scale = float64(f.maxDimension) / float64(h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
