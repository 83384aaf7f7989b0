package pairing

// Registry is the set of currently connected clients.
//
// It is not safe for concurrent use; Engine serializes access.
type Registry struct {
	clients map[ClientID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[ClientID]struct{})}
}

// Register adds id. It reports false if id was already present.
func (r *Registry) Register(id ClientID) bool {
	if _, ok := r.clients[id]; ok {
		return false
	}
	r.clients[id] = struct{}{}
	return true
}

// Unregister removes id. It reports false if id was not present.
func (r *Registry) Unregister(id ClientID) bool {
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *Registry) IsConnected(id ClientID) bool {
	_, ok := r.clients[id]
	return ok
}

func (r *Registry) Count() int {
	return len(r.clients)
}
