package server

// Route maps an inbound client event to the event name other clients receive.
type Route struct {
	Inbound  string
	Outbound string
}

// DefaultRoutes is the relay's event table. The rename is asymmetric:
// "message" becomes "client::listen::updates" while "subscribe" becomes
// "joined".
var DefaultRoutes = []Route{
	{Inbound: EventMessage, Outbound: EventUpdates},
	{Inbound: EventSubscribe, Outbound: EventJoined},
}

// Router resolves inbound event names. Unknown names are not routed.
type Router struct {
	routes map[string]string
}

// NewRouter builds a router from routes; later entries win on duplicates.
func NewRouter(routes ...Route) *Router {
	r := &Router{routes: make(map[string]string, len(routes))}
	for _, route := range routes {
		r.routes[route.Inbound] = route.Outbound
	}
	return r
}

// DefaultRouter returns a router over DefaultRoutes.
func DefaultRouter() *Router {
	return NewRouter(DefaultRoutes...)
}

// Resolve returns the outbound name for inbound.
func (r *Router) Resolve(inbound string) (string, bool) {
	out, ok := r.routes[inbound]
	return out, ok
}
