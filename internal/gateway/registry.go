package gateway

import (
	"strings"
)

// MethodCOD is the offline cash-on-delivery method. It has no gateway.
const MethodCOD = "COD"

type binding struct {
	method  string
	gateway *Redirect
}

// Registry maps payment method names to gateways. Lookups ignore case.
type Registry struct {
	byMethod map[string]binding
	methods  []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byMethod: make(map[string]binding)}
}

// Register binds method to g, replacing any previous binding.
func (r *Registry) Register(method string, g *Redirect) {
	key := strings.ToLower(method)
	if _, ok := r.byMethod[key]; !ok {
		r.methods = append(r.methods, method)
	}
	r.byMethod[key] = binding{method: method, gateway: g}
}

// Lookup returns the gateway bound to method.
func (r *Registry) Lookup(method string) (*Redirect, bool) {
	b, ok := r.byMethod[strings.ToLower(method)]
	return b.gateway, ok
}

// Canonical returns method spelled as it was registered.
func (r *Registry) Canonical(method string) (string, bool) {
	if IsOffline(method) {
		return MethodCOD, true
	}
	b, ok := r.byMethod[strings.ToLower(method)]
	return b.method, ok
}

// Supports reports whether method is COD or a registered gateway.
func (r *Registry) Supports(method string) bool {
	_, ok := r.Canonical(method)
	return ok
}

// Methods lists registered online methods in registration order, followed by COD.
func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.methods)+1)
	out = append(out, r.methods...)
	return append(out, MethodCOD)
}

// IsOffline reports whether method settles without a gateway round trip.
func IsOffline(method string) bool {
	return strings.EqualFold(method, MethodCOD)
}
