package jobs

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// OriginKind discriminates how the source .difypkg is obtained.
type OriginKind string

const (
	OriginURL         OriginKind = "url"
	OriginMarketplace OriginKind = "marketplace"
	OriginUpload      OriginKind = "upload"
)

// MarketplacePlugin identifies a plugin on the Dify marketplace.
type MarketplacePlugin struct {
	Author  string `json:"author"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DownloadPath returns the canonical marketplace download path for the
// coordinate, to be joined onto the configured marketplace base URL.
func (m MarketplacePlugin) DownloadPath() string {
	return fmt.Sprintf("/api/v1/plugins/%s/%s/%s/download", m.Author, m.Name, m.Version)
}

// Origin is a tagged variant: exactly the fields matching Kind are set.
// url carries URL; marketplace carries Marketplace; upload carries the
// original client filename in UploadFilename (the staged handoff path is
// derived from the job id, not stored here).
type Origin struct {
	Kind           OriginKind         `json:"kind"`
	URL            string             `json:"url,omitempty"`
	Marketplace    *MarketplacePlugin `json:"marketplace,omitempty"`
	UploadFilename string             `json:"upload_filename,omitempty"`
}

// Validate checks the variant invariants for the origin's kind.
func (o Origin) Validate() error {
	switch o.Kind {
	case OriginURL:
		u, err := url.Parse(o.URL)
		if err != nil {
			return E(CodeInvalidArgument, "invalid url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return E(CodeInvalidArgument, fmt.Sprintf("unsupported url scheme %q", u.Scheme))
		}
		if u.Host == "" {
			return E(CodeInvalidArgument, "url has no host")
		}
		return nil
	case OriginMarketplace:
		m := o.Marketplace
		if m == nil || m.Author == "" || m.Name == "" || m.Version == "" {
			return E(CodeInvalidArgument, "marketplace origin requires author, name and version")
		}
		for _, part := range []string{m.Author, m.Name, m.Version} {
			if strings.ContainsAny(part, "/\\?#%") {
				return E(CodeInvalidArgument, "marketplace coordinate contains reserved characters")
			}
		}
		return nil
	case OriginUpload:
		if o.UploadFilename == "" {
			return E(CodeInvalidArgument, "upload origin requires a filename")
		}
		if !strings.HasSuffix(strings.ToLower(o.UploadFilename), ".difypkg") {
			return E(CodeInvalidArgument, "uploaded file must have a .difypkg extension")
		}
		return nil
	default:
		return E(CodeInvalidArgument, fmt.Sprintf("unknown origin kind %q", o.Kind))
	}
}

// Stem returns the output filename stem known at admission time: the source
// filename without its .difypkg extension. For marketplace origins the stem
// is refined after the manifest is read (inner name + version); this value is
// only the fallback.
func (o Origin) Stem() string {
	switch o.Kind {
	case OriginURL:
		if u, err := url.Parse(o.URL); err == nil {
			return trimPkgExt(path.Base(u.Path))
		}
		return "plugin"
	case OriginMarketplace:
		return fmt.Sprintf("%s-%s", o.Marketplace.Name, o.Marketplace.Version)
	case OriginUpload:
		return trimPkgExt(path.Base(o.UploadFilename))
	default:
		return "plugin"
	}
}

func trimPkgExt(name string) string {
	name = strings.TrimSuffix(name, ".difypkg")
	if name == "" || name == "." || name == "/" {
		return "plugin"
	}
	return name
}

// --- admission validation shared by all create paths ---

// DefaultSuffix is appended to the output stem when a create request does not
// name one.
const DefaultSuffix = "offline"

var suffixRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)

// ValidSuffix reports whether s is an acceptable output filename suffix.
func ValidSuffix(s string) bool { return suffixRe.MatchString(s) }

// supportedPlatforms is the closed allowlist of pip platform tags a client
// may target. The empty tag means host-native wheels.
var supportedPlatforms = []string{
	"manylinux2014_x86_64",
	"manylinux2014_aarch64",
	"manylinux_2_17_x86_64",
	"manylinux_2_17_aarch64",
	"macosx_10_9_x86_64",
	"macosx_11_0_arm64",
	"win_amd64",
}

// SupportedPlatforms returns a copy of the platform tag allowlist.
func SupportedPlatforms() []string {
	out := make([]string, len(supportedPlatforms))
	copy(out, supportedPlatforms)
	return out
}

// ValidPlatform reports whether tag is empty (host-native) or allowlisted.
func ValidPlatform(tag string) bool {
	if tag == "" {
		return true
	}
	for _, p := range supportedPlatforms {
		if p == tag {
			return true
		}
	}
	return false
}
