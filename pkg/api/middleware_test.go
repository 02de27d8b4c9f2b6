package api

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiterTableBounded(t *testing.T) {
	l := newIPLimiters(60)

	// Well past the cap: the table must be cleared, never grow unbounded
	for i := 0; i < maxTrackedIPs+50; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		l.allow(ip)
	}

	l.mu.Lock()
	n := len(l.limiters)
	l.mu.Unlock()
	assert.LessOrEqual(t, n, maxTrackedIPs)
	assert.Greater(t, n, 0)
}

func TestIPLimiterDeniesAfterBurst(t *testing.T) {
	l := newIPLimiters(2)

	assert.True(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))

	// Independent bucket per IP
	assert.True(t, l.allow("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{name: "forwarded chain", xff: "1.2.3.4, 5.6.7.8", remoteAddr: "9.9.9.9:80", want: "1.2.3.4"},
		{name: "real ip", realIP: "5.6.7.8", remoteAddr: "9.9.9.9:80", want: "5.6.7.8"},
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
