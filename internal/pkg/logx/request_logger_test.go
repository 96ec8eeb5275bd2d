package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"ipv4 with port", "203.0.113.45:52110", "203.0.113.0"},
		{"ipv4 bare", "203.0.113.45", "203.0.113.0"},
		{"ipv6 with port", "[2001:db8:aa:bb:cc:dd:ee:ff]:443", "2001:db8:aa:bb::"},
		{"ipv6 bare", "2001:db8:aa:bb:cc:dd:ee:ff", "2001:db8:aa:bb::"},
		{"ipv4 loopback", "127.0.0.1:9999", "127.0.0.1"},
		{"ipv6 loopback", "[::1]:9999", "127.0.0.1"},
		{"garbage", "not-an-ip", "unknown_ip"},
		{"empty", "", "unknown_ip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, anonymizeIP(tt.addr))
		})
	}
}
