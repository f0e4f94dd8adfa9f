package interceptor

import (
	"net/http"
	"path"
	"strings"
	"sync"
)

// Class is the strategy an outbound request is handled with
type Class string

const (
	ClassNavigation    Class = "navigation"
	ClassCacheableRead Class = "read"
	ClassWrite         Class = "write"
	ClassPassThrough   Class = "passthrough"
)

// PathType selects how a Rule path is compared
type PathType string

const (
	PathTypeExact  PathType = "Exact"
	PathTypePrefix PathType = "Prefix"
)

// Rule matches requests by host and path
type Rule struct {
	// Host is an exact host or a "*.example.com" wildcard; empty matches all
	Host     string   `yaml:"host,omitempty"`
	Path     string   `yaml:"path"`
	PathType PathType `yaml:"path_type,omitempty"`
}

// RouterConfig lists the classification rules
type RouterConfig struct {
	// Reads is the allow-list of cacheable read endpoints
	Reads []Rule `yaml:"reads"`

	// NoStore lists runtime framework chunks that are always fetched from
	// the network and never cached
	NoStore []Rule `yaml:"no_store"`

	// StaticExtensions are served cache-first when not excluded by NoStore
	StaticExtensions []string `yaml:"static_extensions"`
}

// DefaultRouterConfig covers a PostgREST-style backend and a bundled web shell
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Reads: []Rule{
			{Path: "/rest/v1/", PathType: PathTypePrefix},
		},
		NoStore: []Rule{
			{Path: "/_next/static/chunks/", PathType: PathTypePrefix},
			{Path: "/_next/static/webpack/", PathType: PathTypePrefix},
			{Path: "/_next/webpack-hmr", PathType: PathTypePrefix},
			{Path: "/sw.js", PathType: PathTypeExact},
		},
		StaticExtensions: []string{
			".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg",
			".webp", ".ico", ".woff", ".woff2", ".ttf",
		},
	}
}

// Router classifies requests. It is safe for concurrent use and can be
// reloaded at runtime.
type Router struct {
	mu        sync.RWMutex
	reads     []Rule
	noStore   []Rule
	staticExt map[string]bool
}

// NewRouter creates a router from cfg
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{}
	r.Update(cfg)
	return r
}

// Update replaces every rule
func (r *Router) Update(cfg RouterConfig) {
	ext := make(map[string]bool, len(cfg.StaticExtensions))
	for _, e := range cfg.StaticExtensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ext[e] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = cfg.Reads
	r.noStore = cfg.NoStore
	r.staticExt = ext
}

// Classify picks the strategy for req
func (r *Router) Classify(req *http.Request) Class {
	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Method != "" {
		return ClassWrite
	}
	if isNavigation(req) {
		return ClassNavigation
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if match(r.reads, req.URL.Host, req.URL.Path) != nil {
		return ClassCacheableRead
	}
	return ClassPassThrough
}

// NoStore reports whether req hits the runtime-chunk exclusion list
func (r *Router) NoStore(req *http.Request) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return match(r.noStore, req.URL.Host, req.URL.Path) != nil
}

// StaticAsset reports whether a pass-through request may be served cache-first
func (r *Router) StaticAsset(req *http.Request) bool {
	if r.NoStore(req) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staticExt[strings.ToLower(path.Ext(req.URL.Path))]
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// match returns the rule with the longest matching path, or nil
func match(rules []Rule, host, requestPath string) *Rule {
	var best *Rule
	bestLen := -1
	for i := range rules {
		rule := &rules[i]
		if !matchHost(rule.Host, host) || !matchPath(rule, requestPath) {
			continue
		}
		if len(rule.Path) > bestLen {
			best = rule
			bestLen = len(rule.Path)
		}
	}
	return best
}

func matchHost(pattern, host string) bool {
	if pattern == "" {
		return true
	}
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	if pattern == host {
		return true
	}
	// *.example.com matches subdomains only
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

func matchPath(rule *Rule, requestPath string) bool {
	pattern := rule.Path
	pathType := rule.PathType
	if pathType == "" {
		pathType = PathTypePrefix
	}

	switch pathType {
	case PathTypeExact:
		return pattern == requestPath

	case PathTypePrefix:
		if pattern == "/" {
			return true
		}
		if !strings.HasPrefix(requestPath, pattern) {
			return false
		}
		// "/api" matches "/api" and "/api/x" but not "/apix"
		if len(requestPath) == len(pattern) || pattern[len(pattern)-1] == '/' {
			return true
		}
		return requestPath[len(pattern)] == '/'

	default:
		return false
	}
}
