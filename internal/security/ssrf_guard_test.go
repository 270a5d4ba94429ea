package security

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	guard := NewSSRFGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)
	if client.Timeout != timeout {
		t.Errorf("expected timeout %v, got %v", timeout, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストをブロックすることをテストする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5 * time.Second)

	_, err := client.Get(ts.URL)
	if err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestNewUpstreamClient_Timeouts(t *testing.T) {
	client := NewSSRFGuard().NewUpstreamClient(2*time.Second, 7*time.Second)
	if client.Timeout != 9*time.Second {
		t.Errorf("Timeout = %v, want 9s", client.Timeout)
	}

	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Skipf("transport is %T, timeouts are carried only on *http.Transport", client.Transport)
	}
	if tr.ResponseHeaderTimeout != 7*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 7s", tr.ResponseHeaderTimeout)
	}
	if tr.TLSHandshakeTimeout != 2*time.Second {
		t.Errorf("TLSHandshakeTimeout = %v, want 2s", tr.TLSHandshakeTimeout)
	}
}

func TestNewUpstreamClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewUpstreamClient(time.Second, 5*time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestWithConnectTimeout(t *testing.T) {
	errDial := errors.New("dial")
	var deadline time.Time
	var hasDeadline bool
	dial := withConnectTimeout(func(ctx context.Context, network, addr string) (net.Conn, error) {
		deadline, hasDeadline = ctx.Deadline()
		return nil, errDial
	}, 3*time.Second)

	start := time.Now()
	if _, err := dial(context.Background(), "tcp", "example.com:443"); !errors.Is(err, errDial) {
		t.Fatalf("dial error = %v, want %v", err, errDial)
	}
	if !hasDeadline {
		t.Fatal("dial context has no deadline")
	}
	if d := deadline.Sub(start); d <= 0 || d > 3*time.Second {
		t.Errorf("deadline in %v, want within 3s", d)
	}
}

func TestValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://maxroll.gg/d3/guides/x", false},
		{"public http", "http://example.com/", false},
		{"empty", "", true},
		{"ftp scheme", "ftp://example.com/file", true},
		{"file scheme", "file:///etc/passwd", true},
		{"no host", "https:///path", true},
		{"private 10/8", "http://10.0.0.1/", true},
		{"private 192.168", "http://192.168.1.10/", true},
		{"loopback", "http://127.0.0.1:8080/", true},
		{"localhost", "http://localhost/", true},
		{"metadata", "http://169.254.169.254/latest/meta-data", true},
		{"ipv6 loopback", "http://[::1]/", true},
		{"zero address", "http://0.0.0.0/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL_AllowedHosts(t *testing.T) {
	guard := NewSSRFGuard("maxroll.gg")

	if err := guard.ValidateURL("https://maxroll.gg/d3/guides/x"); err != nil {
		t.Errorf("expected exact host to be allowed: %v", err)
	}
	if err := guard.ValidateURL("https://planners.maxroll.gg/profiles/d3/1"); err != nil {
		t.Errorf("expected subdomain to be allowed: %v", err)
	}
	if err := guard.ValidateURL("https://evilmaxroll.gg/"); err == nil {
		t.Error("expected lookalike host to be rejected")
	}
	if err := guard.ValidateURL("https://example.com/"); err == nil {
		t.Error("expected unrelated host to be rejected")
	}
}

func TestHostsFromURLs(t *testing.T) {
	got := HostsFromURLs(
		"https://planners.maxroll.gg/profiles/d3/%s",
		"https://maxroll.gg/d3/d3planner/%s",
		"https://maxroll.gg/d3/guides/",
		"",
		"::bad",
	)
	want := []string{"planners.maxroll.gg", "maxroll.gg"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("HostsFromURLs = %v, want %v", got, want)
	}
}
