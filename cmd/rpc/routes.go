package rpc

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Gadget RPC Paths
const (
	VersionRoutePath    = "/v1/"
	HealthRoutePath     = "/v1/health"
	ProofRoutePath      = "/v1/proof/:eventId"
	ProofABIRoutePath   = "/v1/proof/:eventId/abi"
	EventRoutePath      = "/v1/event/:eventId"
	ValidatorsRoutePath = "/v1/validators"
	AuditRoutePath      = "/v1/audit"
	// admin
	HeaderRoutePath = "/v1/admin/header"
	ConfigRoutePath = "/v1/admin/config"
)

const (
	VersionRouteName    = "version"
	HealthRouteName     = "health"
	ProofRouteName      = "proof"
	ProofABIRouteName   = "proof-abi"
	EventRouteName      = "event"
	ValidatorsRouteName = "validators"
	AuditRouteName      = "audit"
	// admin
	HeaderRouteName = "header"
	ConfigRouteName = "config"
)

// routes contains the method and path for a gadget command
type routes map[string]struct {
	Method string
	Path   string
}

// routePaths is a mapping from route names to their corresponding HTTP methods and paths
var routePaths = routes{
	VersionRouteName:    {Method: http.MethodGet, Path: VersionRoutePath},
	HealthRouteName:     {Method: http.MethodGet, Path: HealthRoutePath},
	ProofRouteName:      {Method: http.MethodGet, Path: ProofRoutePath},
	ProofABIRouteName:   {Method: http.MethodGet, Path: ProofABIRoutePath},
	EventRouteName:      {Method: http.MethodGet, Path: EventRoutePath},
	ValidatorsRouteName: {Method: http.MethodGet, Path: ValidatorsRoutePath},
	AuditRouteName:      {Method: http.MethodGet, Path: AuditRoutePath},
	// admin
	HeaderRouteName: {Method: http.MethodPost, Path: HeaderRoutePath},
	ConfigRouteName: {Method: http.MethodGet, Path: ConfigRoutePath},
}

// httpRouteHandlers is a custom type that maps strings to httprouter handle functions
type httpRouteHandlers map[string]httprouter.Handle

// createRouter initializes and returns a new HTTP router with predefined route handlers
func createRouter(s *Server) *httprouter.Router {
	var r = httpRouteHandlers{
		VersionRouteName:    s.Version,
		HealthRouteName:     s.Health,
		ProofRouteName:      s.Proof,
		ProofABIRouteName:   s.ProofABI,
		EventRouteName:      s.Event,
		ValidatorsRouteName: s.Validators,
		AuditRouteName:      s.Audit,
		HeaderRouteName:     s.PushHeader,
		ConfigRouteName:     s.Config,
	}

	// Initialize a new router using the httprouter package
	router := httprouter.New()

	for name, handler := range r {
		// Retrieve the path configuration for the current route name
		path := routePaths[name]

		// Add the handler for the specific path and HTTP method to the router
		router.Handle(path.Method, path.Path, logHandler{path.Path, handler, s.logger}.Handle)
	}

	return router
}
