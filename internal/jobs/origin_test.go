package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrigin_Validate(t *testing.T) {
	tests := []struct {
		name    string
		origin  Origin
		wantErr string
	}{
		{
			name:   "https url",
			origin: Origin{Kind: OriginURL, URL: "https://example.com/plugin.difypkg"},
		},
		{
			name:   "http url",
			origin: Origin{Kind: OriginURL, URL: "http://example.com/plugin.difypkg"},
		},
		{
			name:    "file scheme rejected",
			origin:  Origin{Kind: OriginURL, URL: "file:///etc/passwd"},
			wantErr: "unsupported url scheme",
		},
		{
			name:    "ftp scheme rejected",
			origin:  Origin{Kind: OriginURL, URL: "ftp://example.com/x.difypkg"},
			wantErr: "unsupported url scheme",
		},
		{
			name:    "url without host",
			origin:  Origin{Kind: OriginURL, URL: "https:///nohost"},
			wantErr: "no host",
		},
		{
			name: "marketplace complete",
			origin: Origin{Kind: OriginMarketplace, Marketplace: &MarketplacePlugin{
				Author: "langgenius", Name: "agent", Version: "0.0.9",
			}},
		},
		{
			name: "marketplace missing version",
			origin: Origin{Kind: OriginMarketplace, Marketplace: &MarketplacePlugin{
				Author: "langgenius", Name: "agent",
			}},
			wantErr: "requires author, name and version",
		},
		{
			name:    "marketplace nil coordinate",
			origin:  Origin{Kind: OriginMarketplace},
			wantErr: "requires author, name and version",
		},
		{
			name: "marketplace reserved characters",
			origin: Origin{Kind: OriginMarketplace, Marketplace: &MarketplacePlugin{
				Author: "a", Name: "../../evil", Version: "1.0.0",
			}},
			wantErr: "reserved characters",
		},
		{
			name:   "upload",
			origin: Origin{Kind: OriginUpload, UploadFilename: "tool-1.2.3.difypkg"},
		},
		{
			name:   "upload uppercase extension",
			origin: Origin{Kind: OriginUpload, UploadFilename: "tool.DIFYPKG"},
		},
		{
			name:    "upload wrong extension",
			origin:  Origin{Kind: OriginUpload, UploadFilename: "tool.zip"},
			wantErr: ".difypkg extension",
		},
		{
			name:    "upload empty filename",
			origin:  Origin{Kind: OriginUpload},
			wantErr: "requires a filename",
		},
		{
			name:    "unknown kind",
			origin:  Origin{Kind: "carrier-pigeon"},
			wantErr: "unknown origin kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.origin.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, CodeInvalidArgument, CodeOf(err))
		})
	}
}

func TestOrigin_Stem(t *testing.T) {
	tests := []struct {
		name   string
		origin Origin
		want   string
	}{
		{
			name:   "url keeps filename stem",
			origin: Origin{Kind: OriginURL, URL: "https://example.com/dl/tool-0.2.difypkg"},
			want:   "tool-0.2",
		},
		{
			name:   "url with query",
			origin: Origin{Kind: OriginURL, URL: "https://example.com/tool.difypkg?token=abc"},
			want:   "tool",
		},
		{
			name:   "url without filename",
			origin: Origin{Kind: OriginURL, URL: "https://example.com/"},
			want:   "plugin",
		},
		{
			name: "marketplace name-version",
			origin: Origin{Kind: OriginMarketplace, Marketplace: &MarketplacePlugin{
				Author: "langgenius", Name: "agent", Version: "0.0.9",
			}},
			want: "agent-0.0.9",
		},
		{
			name:   "upload strips extension",
			origin: Origin{Kind: OriginUpload, UploadFilename: "my-tool.difypkg"},
			want:   "my-tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.origin.Stem())
		})
	}
}

func TestMarketplacePlugin_DownloadPath(t *testing.T) {
	m := MarketplacePlugin{Author: "langgenius", Name: "agent", Version: "0.0.9"}
	assert.Equal(t, "/api/v1/plugins/langgenius/agent/0.0.9/download", m.DownloadPath())
}

func TestValidSuffix(t *testing.T) {
	assert.True(t, ValidSuffix("offline"))
	assert.True(t, ValidSuffix("linux-x86.v2_1"))
	assert.True(t, ValidSuffix("a"))

	assert.False(t, ValidSuffix(""))
	assert.False(t, ValidSuffix("has space"))
	assert.False(t, ValidSuffix("slash/y"))
	assert.False(t, ValidSuffix("123456789012345678901234567890123")) // 33 chars
	assert.True(t, ValidSuffix("12345678901234567890123456789012"))   // 32 chars
}

func TestValidPlatform(t *testing.T) {
	assert.True(t, ValidPlatform(""), "empty selects host-native wheels")
	for _, p := range SupportedPlatforms() {
		assert.True(t, ValidPlatform(p), p)
	}
	assert.False(t, ValidPlatform("commodore64"))
	assert.False(t, ValidPlatform("manylinux2014_x86_64 "))
}

func TestSupportedPlatforms_ReturnsCopy(t *testing.T) {
	a := SupportedPlatforms()
	require.NotEmpty(t, a)
	a[0] = "mutated"
	b := SupportedPlatforms()
	assert.NotEqual(t, "mutated", b[0])
}
