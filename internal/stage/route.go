package stage

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/stagecrawler/internal/signal"
)

var placeholderRE = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// IdentityRoute maps every URL onto itself.
var IdentityRoute = Route{
	Pattern:  regexp.MustCompile(`^(?P<url>.*)$`),
	Template: "{url}",
}

// Route translates a raw URL fragment into a URL by matching Pattern and
// substituting its named groups into Template ("{name}" placeholders).
// The zero Route behaves like IdentityRoute.
type Route struct {
	Pattern  *regexp.Regexp
	Template string
}

// NewRoute compiles pattern and checks that every placeholder in template
// names a group of the pattern.
func NewRoute(pattern, template string) (Route, error) {
	if pattern == "" && template == "" {
		return IdentityRoute, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Route{}, fmt.Errorf("compile route pattern: %w", err)
	}
	groups := make(map[string]struct{})
	for _, name := range re.SubexpNames() {
		if name != "" {
			groups[name] = struct{}{}
		}
	}
	for _, m := range placeholderRE.FindAllStringSubmatch(template, -1) {
		if _, ok := groups[m[1]]; !ok {
			return Route{}, fmt.Errorf("route template references unknown group %q", m[1])
		}
	}
	return Route{Pattern: re, Template: template}, nil
}

// Translate applies the route to raw.
func (r Route) Translate(raw string) (string, error) {
	if r.Pattern == nil {
		return IdentityRoute.Translate(raw)
	}
	match := r.Pattern.FindStringSubmatch(raw)
	if match == nil {
		return "", signal.URLMapping(raw, r.Pattern.String())
	}
	values := make(map[string]string)
	for i, name := range r.Pattern.SubexpNames() {
		if name != "" {
			values[name] = match[i]
		}
	}
	return placeholderRE.ReplaceAllStringFunc(r.Template, func(ph string) string {
		return values[ph[1:len(ph)-1]]
	}), nil
}

// Resolve turns raw into an absolute URL. Absolute http(s) URLs are returned
// unchanged. Anything else goes through route; when translation fails or
// yields a relative URL, raw is appended to the scheme and host of parent.
func Resolve(raw string, route Route, parent *Stage) (string, error) {
	if raw == "" {
		return "", signal.New(signal.InvalidStateURL, "no URL given")
	}
	if IsAbsolute(raw) {
		return raw, nil
	}
	translated, err := route.Translate(raw)
	if err == nil && IsAbsolute(translated) {
		return translated, nil
	}
	if parent == nil {
		if err != nil {
			return "", err
		}
		return "", signal.URLMapping(raw, route.pattern())
	}
	base, baseErr := parent.BaseURL()
	if baseErr != nil {
		return "", fmt.Errorf("resolve %q against parent %s: %w", raw, parent.Name(), baseErr)
	}
	root, err := origin(base)
	if err != nil {
		return "", err
	}
	return root + raw, nil
}

// IsAbsolute reports whether raw is an http or https URL with a host.
func IsAbsolute(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

func origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", signal.New(signal.InvalidStateURL, fmt.Sprintf("cannot take scheme and host from %q", raw))
	}
	return u.Scheme + "://" + u.Host, nil
}

func (r Route) pattern() string {
	if r.Pattern == nil {
		return IdentityRoute.Pattern.String()
	}
	return r.Pattern.String()
}
