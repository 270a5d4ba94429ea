// Package security は上流サイトへのアクセス制限と、上流から受け取る文字列の無害化を提供する。
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes は上流アクセスで許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は上流アクセスでブロックされるネットワーク範囲。
// safeurlはDialer側でDNS解決後のIPも検証するため、ここでは静的なURLのみを見る。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// SSRFGuard は上流URLの事前検証とSSRF防止付きHTTPクライアントの生成を行う。
// allowedHostsが空でなければ、そのホストとサブドメイン以外へのアクセスを拒否する。
type SSRFGuard struct {
	allowedHosts []string
}

// NewSSRFGuard は新しいSSRFGuardを生成する。
func NewSSRFGuard(allowedHosts ...string) *SSRFGuard {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &SSRFGuard{allowedHosts: hosts}
}

// HostsFromURLs はURLテンプレート群からホスト名を取り出す。解析できないものは無視する。
func HostsFromURLs(rawURLs ...string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, raw := range rawURLs {
		if raw == "" {
			continue
		}
		u, err := url.Parse(strings.ReplaceAll(raw, "%s", "0"))
		if err != nil || u.Hostname() == "" {
			continue
		}
		h := strings.ToLower(u.Hostname())
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続はDialerレベルで拒否される。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// NewUpstreamClient はNewSafeClientに接続タイムアウトとレスポンスヘッダ待ちのタイムアウトを加えたクライアントを返す。
// 全体のタイムアウトはconnectTimeout+readTimeout。
func (g *SSRFGuard) NewUpstreamClient(connectTimeout, readTimeout time.Duration) *http.Client {
	client := g.NewSafeClient(connectTimeout + readTimeout)

	t, ok := client.Transport.(*http.Transport)
	if !ok {
		return client
	}
	t = t.Clone()
	if connectTimeout > 0 {
		t.TLSHandshakeTimeout = connectTimeout
		if t.DialContext != nil {
			t.DialContext = withConnectTimeout(t.DialContext, connectTimeout)
		}
	}
	if readTimeout > 0 {
		t.ResponseHeaderTimeout = readTimeout
	}
	client.Transport = t
	return client
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// withConnectTimeout は接続確立までをtimeoutで打ち切るdialFuncを返す。
// 接続後のコネクションはctxの期限の影響を受けない。
func withConnectTimeout(dial dialFunc, timeout time.Duration) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return dial(ctx, network, addr)
	}
}

// ValidateURL はURLの安全性をDNS解決なしで検証する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
	} else if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if !g.hostAllowed(host) {
		return fmt.Errorf("host is not an allowed upstream: %s", host)
	}
	return nil
}

func (g *SSRFGuard) hostAllowed(host string) bool {
	if len(g.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range g.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
