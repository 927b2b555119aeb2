package useragent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	chromeWin  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	safariMac  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"
	firefoxNix = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	iphone     = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"
	ipad       = "Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1"
	android    = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	edgeWin    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	googlebot  = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	stripehook = "Stripe/1.0 (+https://stripe.com/docs/webhooks)"
)

func TestParse(t *testing.T) {
	t.Run("Should parse desktop Chrome on Windows", func(t *testing.T) {
		info := Parse(chromeWin)
		assert.Equal(t, "Chrome", info.Browser)
		assert.Equal(t, "120.0.0.0", info.BrowserVersion)
		assert.Equal(t, "Windows", info.OS)
		assert.Equal(t, "10", info.OSVersion)
		assert.Equal(t, DeviceDesktop, info.DeviceType)
		assert.False(t, info.IsBot)
	})

	t.Run("Should parse Safari on macOS", func(t *testing.T) {
		info := Parse(safariMac)
		assert.Equal(t, "Safari", info.Browser)
		assert.Equal(t, "17.1", info.BrowserVersion)
		assert.Equal(t, "macOS", info.OS)
		assert.Equal(t, "10.15.7", info.OSVersion)
	})

	t.Run("Should parse Firefox on Linux", func(t *testing.T) {
		info := Parse(firefoxNix)
		assert.Equal(t, "Firefox", info.Browser)
		assert.Equal(t, "121.0", info.BrowserVersion)
		assert.Equal(t, "Linux", info.OS)
	})

	t.Run("Should detect Edge before Chrome", func(t *testing.T) {
		info := Parse(edgeWin)
		assert.Equal(t, "Edge", info.Browser)
		assert.Equal(t, "120.0.0.0", info.BrowserVersion)
	})

	t.Run("Should classify iPhone as mobile iOS", func(t *testing.T) {
		info := Parse(iphone)
		assert.Equal(t, "iOS", info.OS)
		assert.Equal(t, "17.1", info.OSVersion)
		assert.Equal(t, DeviceMobile, info.DeviceType)
	})

	t.Run("Should classify iPad as tablet", func(t *testing.T) {
		info := Parse(ipad)
		assert.Equal(t, DeviceTablet, info.DeviceType)
		assert.Equal(t, "iOS", info.OS)
	})

	t.Run("Should classify Android phone as mobile", func(t *testing.T) {
		info := Parse(android)
		assert.Equal(t, "Android", info.OS)
		assert.Equal(t, "14", info.OSVersion)
		assert.Equal(t, DeviceMobile, info.DeviceType)
	})

	t.Run("Should flag crawler user agents as bots", func(t *testing.T) {
		info := Parse(googlebot)
		assert.True(t, info.IsBot)
	})

	t.Run("Should flag http client libraries as bots", func(t *testing.T) {
		for _, ua := range []string{
			"curl/8.4.0",
			"python-requests/2.31.0",
			"Go-http-client/2.0",
			"PostmanRuntime/7.36.0",
		} {
			assert.True(t, Parse(ua).IsBot, "ua %q", ua)
		}
	})

	t.Run("Should not flag webhook sender as bot", func(t *testing.T) {
		info := Parse(stripehook)
		assert.False(t, info.IsBot)
	})

	t.Run("Should default everything to Unknown for empty input", func(t *testing.T) {
		info := Parse("")
		assert.Equal(t, Unknown, info.Browser)
		assert.Equal(t, Unknown, info.BrowserVersion)
		assert.Equal(t, Unknown, info.OS)
		assert.Equal(t, Unknown, info.OSVersion)
		assert.Equal(t, Unknown, info.DeviceType)
		assert.False(t, info.IsBot)
	})

	t.Run("Should keep Unknown fields for gibberish input", func(t *testing.T) {
		info := Parse("definitely/not-a-real-agent")
		assert.Equal(t, Unknown, info.Browser)
		assert.Equal(t, Unknown, info.OS)
		assert.Equal(t, DeviceDesktop, info.DeviceType)
	})

	t.Run("Should detect IE11 via trident token", func(t *testing.T) {
		info := Parse("Mozilla/5.0 (Windows NT 6.1; Trident/7.0; rv:11.0) like Gecko")
		assert.Equal(t, "Internet Explorer", info.Browser)
		assert.Equal(t, "11.0", info.BrowserVersion)
		assert.Equal(t, "7", info.OSVersion)
	})
}
