// Package useragent parses HTTP User-Agent strings into the coarse
// browser / OS / device classification carried on webhook envelopes.
// Parsing never fails; anything unrecognized comes back as "Unknown".
package useragent

import (
	"regexp"
	"strings"
)

const Unknown = "Unknown"

// Device types.
const (
	DeviceDesktop = "Desktop"
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
)

// Info is the parsed classification of one User-Agent string.
type Info struct {
	Raw            string `json:"raw"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	DeviceType     string `json:"device_type"`
	IsBot          bool   `json:"is_bot"`
}

type browserPattern struct {
	name     string
	keywords []string
	excludes []string
	version  *regexp.Regexp
}

// Ordered by specificity: Chromium derivatives announce both their own
// token and "chrome", so they must be checked first.
var browserPatterns = []browserPattern{
	{
		name:     "Edge",
		keywords: []string{"edg"},
		version:  regexp.MustCompile(`(?:edge|edga|edgios|edg)/([\d.]+)`),
	},
	{
		name:     "Opera",
		keywords: []string{"opr/"},
		version:  regexp.MustCompile(`opr/([\d.]+)`),
	},
	{
		name:     "Opera",
		keywords: []string{"opera"},
		version:  regexp.MustCompile(`opera[/\s]([\d.]+)`),
	},
	{
		name:     "Samsung Internet",
		keywords: []string{"samsungbrowser"},
		version:  regexp.MustCompile(`samsungbrowser/([\d.]+)`),
	},
	{
		name:     "Chrome",
		keywords: []string{"chrome"},
		version:  regexp.MustCompile(`chrome/([\d.]+)`),
	},
	{
		name:     "Firefox",
		keywords: []string{"firefox"},
		version:  regexp.MustCompile(`firefox/([\d.]+)`),
	},
	{
		name:     "Safari",
		keywords: []string{"safari"},
		excludes: []string{"chrome", "chromium"},
		version:  regexp.MustCompile(`version/([\d.]+)`),
	},
	{
		name:     "Internet Explorer",
		keywords: []string{"msie"},
		version:  regexp.MustCompile(`msie ([\d.]+)`),
	},
}

type osPattern struct {
	name    string
	keyword string
	version *regexp.Regexp
	mapping func(string) string
}

var osPatterns = []osPattern{
	{
		name:    "Windows",
		keyword: "windows nt",
		version: regexp.MustCompile(`windows nt ([\d.]+)`),
		mapping: windowsRelease,
	},
	{
		name:    "iOS",
		keyword: "iphone os",
		version: regexp.MustCompile(`iphone os ([\d_]+)`),
		mapping: underscoreVersion,
	},
	{
		name:    "iOS",
		keyword: "ipad",
		version: regexp.MustCompile(`cpu os ([\d_]+)`),
		mapping: underscoreVersion,
	},
	{
		name:    "Android",
		keyword: "android",
		version: regexp.MustCompile(`android ([\d.]+)`),
	},
	{
		name:    "macOS",
		keyword: "mac os x",
		version: regexp.MustCompile(`mac os x ([\d_.]+)`),
		mapping: underscoreVersion,
	},
	{
		name:    "Chrome OS",
		keyword: "cros",
		version: regexp.MustCompile(`cros \S+ ([\d.]+)`),
	},
	{
		name:    "Linux",
		keyword: "linux",
	},
}

var botPattern = regexp.MustCompile(
	`bot|crawler|spider|crawling|slurp|facebookexternalhit|monitoring|` +
		`pingdom|curl/|wget/|python-requests|go-http-client|okhttp|` +
		`postmanruntime|insomnia|httpie`,
)

// Parse classifies a raw User-Agent string.
func Parse(raw string) Info {
	info := Info{
		Raw:            raw,
		Browser:        Unknown,
		BrowserVersion: Unknown,
		OS:             Unknown,
		OSVersion:      Unknown,
		DeviceType:     Unknown,
	}
	if raw == "" {
		return info
	}
	lower := strings.ToLower(raw)
	info.IsBot = botPattern.MatchString(lower)
	info.DeviceType = deviceType(lower)
	if name, version := parseBrowser(lower); name != "" {
		info.Browser = name
		if version != "" {
			info.BrowserVersion = version
		}
	}
	if name, version := parseOS(lower); name != "" {
		info.OS = name
		if version != "" {
			info.OSVersion = version
		}
	}
	return info
}

func parseBrowser(lower string) (string, string) {
	for _, p := range browserPatterns {
		if !containsAll(lower, p.keywords) {
			continue
		}
		if containsAny(lower, p.excludes) {
			continue
		}
		version := ""
		if p.version != nil {
			if m := p.version.FindStringSubmatch(lower); len(m) > 1 {
				version = m[1]
			}
		}
		return p.name, version
	}
	// IE 11 drops the msie token.
	if strings.Contains(lower, "trident/") {
		return "Internet Explorer", "11.0"
	}
	return "", ""
}

func parseOS(lower string) (string, string) {
	for _, p := range osPatterns {
		if !strings.Contains(lower, p.keyword) {
			continue
		}
		version := ""
		if p.version != nil {
			if m := p.version.FindStringSubmatch(lower); len(m) > 1 {
				version = m[1]
			}
		}
		if p.mapping != nil {
			version = p.mapping(version)
		}
		return p.name, version
	}
	return "", ""
}

func deviceType(lower string) string {
	switch {
	case strings.Contains(lower, "tablet") || strings.Contains(lower, "ipad"):
		return DeviceTablet
	case strings.Contains(lower, "mobile"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return len(subs) > 0
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// windowsRelease maps NT kernel versions to marketing names.
func windowsRelease(nt string) string {
	switch nt {
	case "10.0":
		return "10"
	case "6.3":
		return "8.1"
	case "6.2":
		return "8"
	case "6.1":
		return "7"
	}
	return nt
}

func underscoreVersion(v string) string {
	return strings.ReplaceAll(v, "_", ".")
}
