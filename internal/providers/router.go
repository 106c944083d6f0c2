package providers

import (
	"context"
	"fmt"
)

// Route binds a role to a backend and model.
type Route struct {
	Backend Backend
	Model   string
}

// Router dispatches requests to the backend configured for each role. When a
// role has no route it falls back to the default route.
type Router struct {
	routes map[Role]Route
}

// NewRouter creates a router. A RoleDefault route is required.
func NewRouter(routes map[Role]Route) (*Router, error) {
	if _, ok := routes[RoleDefault]; !ok {
		return nil, fmt.Errorf("router: missing %q route", RoleDefault)
	}
	cp := make(map[Role]Route, len(routes))
	for k, v := range routes {
		if v.Backend == nil {
			return nil, fmt.Errorf("router: role %q has nil backend", k)
		}
		cp[k] = v
	}
	return &Router{routes: cp}, nil
}

// RouteFor resolves the route serving a role.
func (r *Router) RouteFor(role Role) Route {
	if rt, ok := r.routes[role]; ok {
		return rt
	}
	return r.routes[RoleDefault]
}

// Complete sends req to the role's backend. req.Model overrides the route
// model; an empty route model falls through to the backend default.
func (r *Router) Complete(ctx context.Context, role Role, req Request) (*Response, error) {
	rt := r.RouteFor(role)
	if req.Model == "" {
		req.Model = rt.Model
	}
	return rt.Backend.Complete(ctx, req)
}

// CompleteObject is the structured-output variant of Complete.
func (r *Router) CompleteObject(ctx context.Context, role Role, req Request, schema map[string]any, out any) (Usage, error) {
	rt := r.RouteFor(role)
	if req.Model == "" {
		req.Model = rt.Model
	}
	return CompleteObject(ctx, rt.Backend, req, schema, out)
}
