package routing

import (
	"errors"
	"strings"
)

type RouteClass string

const (
	RouteClassUI          RouteClass = "ui"
	RouteClassInternalAPI RouteClass = "internal_api"
	RouteClassWebhook     RouteClass = "webhook"
	RouteClassAuthn       RouteClass = "authn"
	RouteClassOps         RouteClass = "ops"
	RouteClassStatic      RouteClass = "static"
)

type patternRoute struct {
	pattern pathPattern
	class   RouteClass
}

// Classifier maps a request path to its route class. Listed routes win;
// unlisted paths fall back to prefix conventions so new endpoints get a
// sensible class before they appear in the allowlist.
type Classifier struct {
	entrypoint string
	exact      map[string]RouteClass
	patterns   []patternRoute
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, errors.New("allowlist: missing entrypoint")
	}
	if len(ep.Routes) == 0 {
		return nil, errors.New("allowlist: entrypoint routes empty")
	}

	c := &Classifier{
		entrypoint: entrypoint,
		exact:      make(map[string]RouteClass, len(ep.Routes)),
	}
	for _, r := range ep.Routes {
		if r.Path == "" || r.RouteClass == "" {
			return nil, errors.New("allowlist: invalid route")
		}
		if p, ok := compilePathPattern(r.Path); ok {
			c.patterns = append(c.patterns, patternRoute{pattern: p, class: RouteClass(r.RouteClass)})
			continue
		}
		c.exact[r.Path] = RouteClass(r.RouteClass)
	}
	return c, nil
}

func (c *Classifier) Classify(path string) RouteClass {
	if rc, ok := c.exact[path]; ok {
		return rc
	}
	for _, pr := range c.patterns {
		if pr.pattern.Match(path) {
			return pr.class
		}
	}
	return fallbackClass(path)
}

func fallbackClass(path string) RouteClass {
	switch {
	case isModuleAPIPath(path):
		return RouteClassInternalAPI
	case underPrefix(path, "/webhooks"):
		return RouteClassWebhook
	case underPrefix(path, "/assets") || underPrefix(path, "/static") || underPrefix(path, "/uploads"):
		return RouteClassStatic
	default:
		return RouteClassUI
	}
}

// underPrefix matches on segment boundaries: /inventory/apix is not under
// /inventory/api.
func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// isModuleAPIPath reports whether path has the shape /{module}/api/...
func isModuleAPIPath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}
	module, rest, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok || module == "" {
		return false
	}
	return underPrefix("/"+rest, "/api")
}
