package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alecthomas/units"
	"github.com/canopy-network/ethy/broadcaster"
	"github.com/canopy-network/ethy/controller"
	"github.com/canopy-network/ethy/lib"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"
)

const (
	colon = ":"

	SoftwareVersion = "0.1.0-alpha"
	ContentType     = "Content-Type"
	ApplicationJSON = "application/json; charset=utf-8"
	localhost       = "localhost"

	defaultAuditLimit = 50
)

// Server represents a gadget RPC server with configuration options
type Server struct {
	// gadget controller
	controller *controller.Controller

	// gadget configuration
	config lib.Config

	// the running http server, nil until started
	server *http.Server

	logger lib.LoggerI
}

// NewServer constructs and returns a new gadget RPC server
func NewServer(controller *controller.Controller, config lib.Config, logger lib.LoggerI) *Server {
	return &Server{
		controller: controller,
		config:     config,
		logger:     logger,
	}
}

// Start initializes the gadget RPC server
func (s *Server) Start() lib.ErrorI {
	ln, err := net.Listen("tcp", colon+s.config.RPCPort)
	if err != nil {
		return ErrInvalidParam("rpcPort", err)
	}
	// bound the simultaneous connections
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}
	s.server = &http.Server{Handler: s.handler()}
	go func() {
		s.logger.Infof("Starting RPC server at %s", ln.Addr().String())
		if e := s.server.Serve(ln); e != nil && e != http.ErrServerClosed {
			s.logger.Errorf("RPC server failed with err: %s", e.Error())
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error(err.Error())
	}
}

// handler wraps the router with the CORS policy and the request timeout
func (s *Server) handler() http.Handler {
	// Create CORS policy
	cor := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS", "POST"},
	})

	// Create a default timeout for HTTP requests
	timeout := time.Duration(s.config.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(lib.DefaultRPCConfig().TimeoutS) * time.Second
	}
	return cor.Handler(http.TimeoutHandler(createRouter(s), timeout, ErrServerTimeout().Error()))
}

// Version returns the software version
func (s *Server) Version(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	write(w, SoftwareVersion, http.StatusOK)
}

// Health returns the gadget summary
func (s *Server) Health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	h, err := s.controller.Health()
	if err != nil {
		write(w, err, http.StatusInternalServerError)
		return
	}
	write(w, h, http.StatusOK)
}

// Proof returns the finalized proof of an event
func (s *Server) Proof(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if proof, ok := s.proof(w, p); ok {
		write(w, proof, http.StatusOK)
	}
}

// ProofABIResponse is the proof encoded for an EVM verifier
type ProofABIResponse struct {
	EventId uint64       `json:"eventId"`
	Payload lib.HexBytes `json:"payload"`
}

// ProofABI returns the finalized proof of an event ABI encoded
func (s *Server) ProofABI(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	proof, ok := s.proof(w, p)
	if !ok {
		return
	}
	bz, err := broadcaster.EncodeProofABI(proof)
	if err != nil {
		write(w, err, http.StatusInternalServerError)
		return
	}
	write(w, ProofABIResponse{EventId: proof.EventId, Payload: bz}, http.StatusOK)
}

// Event returns an event with its witness progress
func (s *Server) Event(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	eventId, ok := eventIdParam(w, p)
	if !ok {
		return
	}
	event, err := s.controller.GetEvent(eventId)
	switch {
	case err != nil:
		write(w, err, http.StatusInternalServerError)
	case event == nil:
		write(w, ErrNotFound("event", eventId), http.StatusNotFound)
	default:
		write(w, event, http.StatusOK)
	}
}

// ValidatorsResponse is the active validator set
type ValidatorsResponse struct {
	Epoch      uint64         `json:"epoch"`
	Threshold  int            `json:"threshold"`
	Validators []lib.HexBytes `json:"validators"`
}

// Validators returns the active validator set
func (s *Server) Validators(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	vs, ok := s.controller.Registry.Active()
	if !ok {
		write(w, ValidatorsResponse{}, http.StatusOK)
		return
	}
	resp := ValidatorsResponse{Epoch: vs.Epoch, Threshold: vs.Threshold()}
	for _, v := range vs.Validators {
		resp.Validators = append(resp.Validators, v.Bytes())
	}
	write(w, resp, http.StatusOK)
}

// Audit returns the newest audit records, ?limit=N bounds the result
func (s *Server) Audit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := defaultAuditLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		l, err := strconv.Atoi(q)
		if err != nil || l < 1 {
			if err == nil {
				err = lib.ErrInvalidArgument()
			}
			write(w, ErrInvalidParam("limit", err), http.StatusBadRequest)
			return
		}
		limit = l
	}
	records, err := s.controller.Store.AuditRecords(limit)
	if err != nil {
		write(w, err, http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*lib.AuditRecord{}
	}
	write(w, records, http.StatusOK)
}

// PushHeader feeds a finalized header to a push source
func (s *Server) PushHeader(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h := new(lib.FinalizedHeader)
	if ok := unmarshal(w, r, h); !ok {
		return
	}
	if err := s.controller.PushHeader(r.Context(), h); err != nil {
		write(w, err, http.StatusBadRequest)
		return
	}
	write(w, h.Number, http.StatusOK)
}

// Config returns the running configuration
func (s *Server) Config(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	write(w, s.config, http.StatusOK)
}

// proof loads the proof named by the path, writing the error response when absent
func (s *Server) proof(w http.ResponseWriter, p httprouter.Params) (*lib.Proof, bool) {
	eventId, ok := eventIdParam(w, p)
	if !ok {
		return nil, false
	}
	proof, ok := s.controller.GetProof(eventId)
	if !ok {
		write(w, ErrNotFound("proof", eventId), http.StatusNotFound)
		return nil, false
	}
	return proof, true
}

// eventIdParam parses the :eventId path parameter
func eventIdParam(w http.ResponseWriter, p httprouter.Params) (uint64, bool) {
	eventId, err := strconv.ParseUint(p.ByName("eventId"), 10, 64)
	if err != nil {
		write(w, ErrInvalidParam("eventId", err), http.StatusBadRequest)
		return 0, false
	}
	return eventId, true
}

// logHandler logs every request before serving it
type logHandler struct {
	path   string
	h      httprouter.Handle
	logger lib.LoggerI
}

func (h logHandler) Handle(resp http.ResponseWriter, req *http.Request, p httprouter.Params) {
	h.logger.Debugf("%s %s", req.Method, req.URL.Path)
	h.h(resp, req, p)
}

// unmarshal reads a bounded JSON body into ptr
func unmarshal(w http.ResponseWriter, r *http.Request, ptr interface{}) bool {
	bz, err := io.ReadAll(io.LimitReader(r.Body, int64(units.MB)))
	if err != nil {
		write(w, err, http.StatusBadRequest)
		return false
	}
	defer func() { _ = r.Body.Close() }()
	if err = json.Unmarshal(bz, ptr); err != nil {
		write(w, lib.ErrJSONUnmarshal(err), http.StatusBadRequest)
		return false
	}
	return true
}

// write marshaled payload to w
func write(w http.ResponseWriter, payload interface{}, code int) {
	w.Header().Set(ContentType, ApplicationJSON)
	w.WriteHeader(code)

	// Marshal and indent the payload
	bz, _ := json.MarshalIndent(payload, "", "  ")
	_, _ = w.Write(bz)
}
