package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

const (
	// inputName is the source package filename inside every workspace.
	inputName = "input.difypkg"

	maxRedirects = 5
)

// fetch obtains the source .difypkg into the workspace. URL and marketplace
// origins download over HTTP under their own duration cap; uploads claim the
// file staged by the controller.
func (r *run) fetch(ctx context.Context) error {
	dst := filepath.Join(r.dir, inputName)

	if r.job.Origin.Kind == jobs.OriginUpload {
		return r.claimUpload(dst)
	}

	srcURL, err := r.sourceURL()
	if err != nil {
		return err
	}
	r.logLine(ctx, "downloading "+srcURL)

	dlCtx, cancel := context.WithTimeout(ctx, r.p.opts.DownloadTimeout)
	defer cancel()

	err = download(dlCtx, r.p.client, srcURL, dst, r.p.opts.MaxDownloadBytes, func(frac float64) {
		r.tick(ctx, frac)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(dlCtx.Err(), context.DeadlineExceeded) {
		return jobs.Ef(jobs.CodeFetchFailed, "download did not finish within %s", r.p.opts.DownloadTimeout)
	}
	return err
}

// sourceURL resolves the origin to a concrete download URL. The controller
// validated the origin at admission; the scheme check here guards records
// written by older builds.
func (r *run) sourceURL() (string, error) {
	o := r.job.Origin
	switch o.Kind {
	case jobs.OriginURL:
		u, err := url.Parse(o.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", jobs.E(jobs.CodeFetchFailed, "source URL must use http or https")
		}
		return o.URL, nil
	case jobs.OriginMarketplace:
		base := strings.TrimRight(r.p.opts.MarketplaceBase, "/")
		return base + o.Marketplace.DownloadPath(), nil
	default:
		return "", jobs.Ef(jobs.CodeInternalError, "origin kind %q is not downloadable", o.Kind)
	}
}

func (r *run) claimUpload(dst string) error {
	err := r.p.files.ClaimUpload(r.job.ID, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, artifacts.ErrNotFound) {
		// An earlier attempt may have claimed the handoff before crashing.
		if _, serr := os.Stat(dst); serr == nil {
			return nil
		}
		return jobs.E(jobs.CodeFetchFailed, "uploaded package is no longer available")
	}
	return jobs.Wrap(jobs.CodeFetchFailed, "claim uploaded package", err)
}

// download streams srcURL into dst via a .part sibling so a crash never
// leaves a plausible-looking partial file behind. Progress is reported as a
// fraction of Content-Length when the server sends one.
func download(ctx context.Context, client *http.Client, srcURL, dst string, maxBytes int64, onProgress func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return jobs.Wrap(jobs.CodeFetchFailed, "build download request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return jobs.Wrap(jobs.CodeFetchFailed, "download request failed", err).Retryable()
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return jobs.Ef(jobs.CodeFetchFailed, "source returned %s", resp.Status).Retryable()
	default:
		return jobs.Ef(jobs.CodeFetchFailed, "source returned %s", resp.Status)
	}

	if resp.ContentLength > maxBytes {
		return jobs.Ef(jobs.CodeFetchFailed, "package is %d bytes, cap is %d", resp.ContentLength, maxBytes)
	}

	part := dst + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return jobs.Wrap(jobs.CodeInternalError, "create download file", err)
	}
	pr := &progressReader{r: resp.Body, total: resp.ContentLength, onProgress: onProgress}
	n, err := io.Copy(f, io.LimitReader(pr, maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			return err
		}
		return jobs.Wrap(jobs.CodeFetchFailed, "download interrupted", err).Retryable()
	}
	if n > maxBytes {
		os.Remove(part)
		return jobs.Ef(jobs.CodeFetchFailed, "package exceeds the %d byte cap", maxBytes)
	}
	if resp.ContentLength >= 0 && n < resp.ContentLength {
		os.Remove(part)
		return jobs.E(jobs.CodeFetchFailed, "download truncated by source").Retryable()
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return jobs.Wrap(jobs.CodeInternalError, "finalize download file", err)
	}
	return nil
}

// newHTTPClient builds the default download client. Redirect chains are
// capped; total duration is bounded per request by context deadline.
func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// progressReader reports cumulative read fractions against an expected total.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil && p.total > 0 {
			frac := float64(p.read) / float64(p.total)
			if frac > 1 {
				frac = 1
			}
			p.onProgress(frac)
		}
	}
	return n, err
}
