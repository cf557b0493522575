package networking

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cidrs(t *testing.T, blocks ...string) []*net.IPNet {
	t.Helper()
	var nets []*net.IPNet
	for _, block := range blocks {
		_, network, err := net.ParseCIDR(block)
		require.NoError(t, err)
		nets = append(nets, network)
	}
	return nets
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	proxies := cidrs(t, "10.0.0.0/8", "192.168.0.0/16")

	tests := []struct {
		name      string
		forwarded string
		remote    string
		want      string
	}{
		{
			name:      "no header uses remote address",
			forwarded: "",
			remote:    "203.0.113.5:4321",
			want:      "203.0.113.5",
		},
		{
			name:      "single proxy hop",
			forwarded: "203.0.113.5, 10.0.0.2",
			remote:    "10.0.0.2:80",
			want:      "203.0.113.5",
		},
		{
			name:      "multiple proxy hops",
			forwarded: "203.0.113.5, 10.0.0.2, 192.168.1.1",
			remote:    "192.168.1.1:80",
			want:      "203.0.113.5",
		},
		{
			name:      "spoofed prefix is ignored",
			forwarded: "198.51.100.9, 203.0.113.5, 10.0.0.2",
			remote:    "10.0.0.2:80",
			want:      "203.0.113.5",
		},
		{
			name:      "all hops trusted falls back to leftmost",
			forwarded: "10.0.0.9, 10.0.0.2",
			remote:    "10.0.0.2:80",
			want:      "10.0.0.9",
		},
		{
			name:      "garbage header uses remote address",
			forwarded: "not-an-ip",
			remote:    "203.0.113.5:4321",
			want:      "203.0.113.5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, ClientIP(req, proxies))
		})
	}
}

func TestClientIPNoProxies(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")

	// With no trusted proxies the rightmost entry wins.
	assert.Equal(t, "203.0.113.5", ClientIP(req, nil))
}
