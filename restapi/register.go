package restapi

import (
	"fmt"
	"sort"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// GET_ONE retrieves a single resource.
	GET_ONE
	// DELETE removes resources.
	DELETE
	// POST creates resources or runs an action on one.
	POST
	// PUT replaces resources.
	PUT
	// PATCH partially updates resources.
	PATCH
)

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
	// Public routes skip bearer token verification.
	Public bool
}

// Registry holds the REST methods a Server mounts under its API group.
type Registry struct {
	methods map[string]RestMethod
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]RestMethod)}
}

// RegisterMethod builds a RestMethod and registers it using Register.
func (r *Registry) RegisterMethod(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	return r.Register(RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
	})
}

// Register inserts a RestMethod into the registry preventing duplicates.
func (r *Registry) Register(m RestMethod) error {
	if m.Handler == nil {
		return fmt.Errorf("can't add %s, handler is nil", m.Path)
	}
	key := fmt.Sprintf("%d_%s", m.Verb, m.Path)
	if _, exists := r.methods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	r.methods[key] = m
	return nil
}

// RestMethods returns all registered RestMethod entries keyed by verb+path.
func (r *Registry) RestMethods() map[string]RestMethod {
	return r.methods
}

// mount adds every registered method to g, wrapping non public ones with guard.
// Routes are added in key order so gin's tree is built deterministically.
func (r *Registry) mount(g *gin.RouterGroup, guard func(func(c *gin.Context)) func(c *gin.Context)) {
	keys := make([]string, 0, len(r.methods))
	for k := range r.methods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rm := r.methods[k]
		h := rm.Handler
		if !rm.Public {
			h = guard(h)
		}
		switch rm.Verb {
		case GET:
			fallthrough
		case GET_ONE:
			g.GET(rm.Path, h)
		case DELETE:
			g.DELETE(rm.Path, h)
		case POST:
			g.POST(rm.Path, h)
		case PUT:
			g.PUT(rm.Path, h)
		case PATCH:
			g.PATCH(rm.Path, h)
		default:
			panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
		}
	}
}
