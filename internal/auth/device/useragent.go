package device

import (
	"strings"

	"github.com/mssola/useragent"
)

// ParseUserAgent returns a display label such as "Chrome on macOS" or
// "Safari on iPhone". Mobile agents report the platform instead of the OS.
func ParseUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown Device"
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	browser = orDefault(browser, "Unknown Browser")

	if ua.Mobile() {
		if platform := strings.TrimSpace(ua.Platform()); platform != "" {
			return browser + " on " + platform
		}
	}
	return browser + " on " + orDefault(ua.OS(), "Unknown OS")
}

func orDefault(s, fallback string) string {
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}
