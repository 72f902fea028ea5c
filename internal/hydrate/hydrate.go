// Package hydrate implements the Request Hydrator (spec.md §4.3): it reads
// the HTTP request surface and writes typed, privacy-safe signals into the
// sink while stashing raw identifying values in the PII vault.
package hydrate

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/greywing/botsentry/internal/pii"
	"github.com/greywing/botsentry/internal/signal"
)

// headerPresenceNames lists the headers spec.md §4.3 requires a
// `header.<name>.present` signal for, mapped to their wire names.
var headerPresenceNames = map[string]string{
	"user_agent":       "User-Agent",
	"accept":           "Accept",
	"accept_language":  "Accept-Language",
	"accept_encoding":  "Accept-Encoding",
	"referer":          "Referer",
	"cookie":           "Cookie",
	"dnt":              "DNT",
	"upgrade_insecure": "Upgrade-Insecure-Requests",
	"sec_fetch":        "Sec-Fetch-Mode",
	"client_hints":     "Sec-CH-UA",
}

var cliToolMarkers = []string{"curl/", "wget/", "python-requests", "go-http-client", "okhttp", "libwww-perl", "httpie", "postman"}
var httpLibraryMarkers = []string{"python-requests", "go-http-client", "okhttp", "axios", "node-fetch", "java/", "apache-httpclient"}
var botKeywordMarkers = []string{"bot", "spider", "crawler", "scrape", "headless"}

// Hydrator ties a Sink + Vault pair together for one request.
type Hydrator struct{}

// New constructs a Hydrator. It is stateless; a single instance can be
// shared across requests.
func New() *Hydrator { return &Hydrator{} }

// Hydrate extracts r's surface into sink and vault, returning the request ID
// it minted (callers thread this ID through the rest of the pipeline as the
// PII vault / escalator correlation key).
func (h *Hydrator) Hydrate(r *http.Request, sink *signal.Sink, vault *pii.Vault) string {
	requestID := uuid.NewString()
	now := time.Now()

	sink.RaiseValue("request.method", requestID, strings.ToUpper(r.Method))
	sink.RaiseValue("request.path", requestID, r.URL.Path)
	sink.RaiseValue("request.scheme", requestID, schemeOf(r))
	if r.URL.RawQuery != "" {
		sink.Raise("request.has_query", requestID)
	}
	sink.RaiseValue("request.header_count", requestID, len(r.Header))
	sink.RaiseValue("request.timestamp", requestID, now.UnixMilli())

	for name, wire := range headerPresenceNames {
		if r.Header.Get(wire) != "" {
			sink.Raise("header."+name+".present", requestID)
		}
	}

	ua := r.Header.Get("User-Agent")
	hydrateUserAgent(sink, requestID, ua)

	clientIP := ResolveClientIP(r)
	hydrateIP(sink, requestID, clientIP)

	sink.RaiseValue("protocol", requestID, r.Proto)
	if r.TLS != nil || strings.EqualFold(schemeOf(r), "https") {
		sink.Raise("protocol.is_https", requestID)
	}

	vault.Store(requestID, pii.Datum{
		ClientIP:       clientIP,
		UserAgent:      ua,
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Referer:        r.Header.Get("Referer"),
		SessionID:      sessionIDOf(r),
	})

	sink.Raise("hydration.complete", requestID)
	return requestID
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(strings.SplitN(proto, ",", 2)[0])
	}
	return "http"
}

func sessionIDOf(r *http.Request) string {
	if c, err := r.Cookie("session_id"); err == nil {
		return c.Value
	}
	return ""
}

func hydrateUserAgent(sink *signal.Sink, requestID, ua string) {
	if ua == "" {
		sink.Raise("ua.empty", requestID)
		return
	}
	sink.RaiseValue("ua.length", requestID, len(ua))

	lower := strings.ToLower(ua)
	for _, marker := range botKeywordMarkers {
		if strings.Contains(lower, marker) {
			sink.Raise("ua.contains_bot_keyword", requestID)
			break
		}
	}
	for _, marker := range cliToolMarkers {
		if strings.Contains(lower, marker) {
			sink.Raise("ua.is_cli_tool", requestID)
			break
		}
	}
	for _, marker := range httpLibraryMarkers {
		if strings.Contains(lower, marker) {
			sink.Raise("ua.is_http_library", requestID)
			break
		}
	}

	if family := browserFamily(lower); family != "" {
		sink.RaiseValue("ua.browser", requestID, family)
	}
	if osName := osFamily(lower); osName != "" {
		sink.RaiseValue("ua.os", requestID, osName)
	}
}

func browserFamily(lowerUA string) string {
	switch {
	case strings.Contains(lowerUA, "edg/"):
		return "edge"
	case strings.Contains(lowerUA, "chrome/"):
		return "chrome"
	case strings.Contains(lowerUA, "firefox/"):
		return "firefox"
	case strings.Contains(lowerUA, "safari/") && !strings.Contains(lowerUA, "chrome/"):
		return "safari"
	default:
		return ""
	}
}

func osFamily(lowerUA string) string {
	switch {
	case strings.Contains(lowerUA, "windows"):
		return "windows"
	case strings.Contains(lowerUA, "mac os x"), strings.Contains(lowerUA, "macintosh"):
		return "macos"
	case strings.Contains(lowerUA, "android"):
		return "android"
	case strings.Contains(lowerUA, "iphone"), strings.Contains(lowerUA, "ipad"):
		return "ios"
	case strings.Contains(lowerUA, "linux"):
		return "linux"
	default:
		return ""
	}
}

func hydrateIP(sink *signal.Sink, requestID, ip string) {
	if ip == "" {
		sink.Raise("ip.missing", requestID)
		return
	}
	sink.Raise("ip.present", requestID)

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return
	}
	if parsed.To4() != nil {
		sink.RaiseValue("ip.type", requestID, "ipv4")
	} else {
		sink.RaiseValue("ip.type", requestID, "ipv6")
	}
	if parsed.IsLoopback() {
		sink.Raise("ip.is_loopback", requestID)
	}
	if isPrivate(parsed) {
		sink.Raise("ip.is_private", requestID)
	}
}

// privateBlocks are the RFC1918 / RFC4193 / link-local ranges consulted by
// ResolveClientIP and hydrateIP's ip.is_private signal.
var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func isPrivate(ip net.IP) bool {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ResolveClientIP implements the client-IP resolution rule from spec.md
// §4.3: prefer the connection peer address; if that address is private or
// loopback, fall back to the leftmost non-private entry of the
// X-Forwarded-For chain. If every forwarded entry is itself private (or the
// header is absent/unparseable), the peer address is kept as-is.
func ResolveClientIP(r *http.Request) string {
	peer := peerIP(r)
	parsedPeer := net.ParseIP(peer)
	if parsedPeer == nil || (!parsedPeer.IsLoopback() && !isPrivate(parsedPeer)) {
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	for _, part := range strings.Split(xff, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		parsed := net.ParseIP(candidate)
		if parsed == nil {
			continue
		}
		if !parsed.IsLoopback() && !isPrivate(parsed) {
			return candidate
		}
	}
	return peer
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
