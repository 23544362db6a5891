package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EndpointGuard は外部プラットフォームAPIへの接続を保護する。
// 資格情報に含まれるサーバーURLが内部ネットワークを指していないことを検証し、
// 送信用のHTTPクライアントにもDialerレベルのIP検証を適用する。
type EndpointGuard interface {
	// NewClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client

	// NormalizeEndpoint はサーバーURLを検証し、末尾のスラッシュを除いたベースURLを返す。
	NormalizeEndpoint(rawURL string) (string, error)
}

// blockedNetworks は接続を許可しないネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	// クラウドメタデータ (169.254.169.254) を含む
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

type endpointGuard struct {
	allowHTTP bool
}

// NewEndpointGuard はEndpointGuardを生成する。
// allowHTTPがfalseの場合はhttpsのエンドポイントのみ許可する。
func NewEndpointGuard(allowHTTP bool) *endpointGuard {
	return &endpointGuard{allowHTTP: allowHTTP}
}

func (g *endpointGuard) schemes() []string {
	if g.allowHTTP {
		return []string{"https", "http"}
	}
	return []string{"https"}
}

// NewClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlがDNS解決後のIPアドレスを検証するため、DNS再バインディングにも対応する。
func (g *endpointGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes()...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// NormalizeEndpoint はサーバーURLを静的に検証する。
func (g *endpointGuard) NormalizeEndpoint(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	allowed := false
	for _, s := range g.schemes() {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, g.schemes())
	}

	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("empty host in URL: %s", raw)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return "", fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return "", fmt.Errorf("blocked IP address: %s", ip.String())
			}
		}
	}
	if parsed.User != nil {
		return "", fmt.Errorf("URL must not contain user info")
	}

	parsed.Scheme = scheme
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
