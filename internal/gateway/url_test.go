package gateway

import "testing"

func TestListenerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address string
		tls     bool
		want    string
	}{
		"default_port_only":    {address: ":8802", want: "ws://localhost:8802/ws"},
		"explicit_localhost":   {address: "localhost:8000", want: "ws://localhost:8000/ws"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", want: "ws://localhost:9000/ws"},
		"explicit_ipv4_local":  {address: "127.0.0.1:8802", want: "ws://127.0.0.1:8802/ws"},
		"explicit_ipv6_any":    {address: "[::]:8802", want: "ws://localhost:8802/ws"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:8802", want: "ws://[2001:db8::1]:8802/ws"},
		"tls_enabled":          {address: ":8802", tls: true, want: "wss://localhost:8802/ws"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := ListenerURL(tc.address, tc.tls)
			if got != tc.want {
				t.Fatalf("ListenerURL(%q, %t) = %q, want %q", tc.address, tc.tls, got, tc.want)
			}
		})
	}
}

func TestNormaliseHostPortNoPort(t *testing.T) {
	t.Parallel()

	if got := normaliseHostPort(""); got != "localhost" {
		t.Fatalf("expected localhost for empty address, got %q", got)
	}
}
