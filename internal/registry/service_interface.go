package registry

// Service is a long-running part of the agent with a managed lifecycle: the control
// facade, the fleet monitor and the HTTP API.
type Service interface {
	Start() error
	Stop() error
}
