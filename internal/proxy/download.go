package proxy

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Downloader streams one resolved file to a consumer.
type Downloader struct {
	HTTPDoer *http.Client
}

func (d Downloader) doer() *http.Client {
	if d.HTTPDoer != nil {
		return d.HTTPDoer
	}
	return &http.Client{Timeout: 10 * time.Minute}
}

// preferredExt maps types whose mime registrations are ambiguous to the
// extension consumers expect.
var preferredExt = map[string]string{
	"text/plain":       ".txt",
	"text/csv":         ".csv",
	"application/json": ".json",
	"text/xml":         ".xml",
	"application/xml":  ".xml",
}

// attachmentName derives the download filename from the upstream URL. A name
// without an extension gains one matching the content type so the saved file
// opens correctly.
func attachmentName(rawURL, contentType string) string {
	name := "file"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	if path.Ext(name) != "" {
		return name
	}
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if ext, ok := preferredExt[mediaType]; ok {
		return name + ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return name + exts[0]
	}
	return name
}

// contentTypeFor picks the response media type: the type declared on the file
// descriptor wins, then the filename extension, then octet-stream.
func contentTypeFor(declared, rawURL string) string {
	if declared != "" {
		return declared
	}
	if u, err := url.Parse(rawURL); err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// Serve fetches upstreamURL and streams it to w. The consumer's Range header
// is forwarded so partial reads stay partial end to end. The upstream status
// code (200 or 206) passes through. originalURL is the file's stored location
// before resolution; the filename and fallback content type come from it, not
// from the resolved URL, which may be an opaque presigned or gateway path.
func (d Downloader) Serve(w http.ResponseWriter, r *http.Request, upstreamURL, originalURL, declaredType string) error {
	if originalURL == "" {
		originalURL = upstreamURL
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	res, err := d.doer().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamFetch, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%w: upstream status %d", ErrUpstreamFetch, res.StatusCode)
	}

	contentType := contentTypeFor(declaredType, originalURL)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment;filename=%s", attachmentName(originalURL, contentType)))
	for _, h := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := res.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	_, err = io.Copy(w, res.Body)
	return err
}
