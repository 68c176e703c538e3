package server

import (
	"encoding/json"
	"net/http"

	"github.com/copyleftdev/mfsolve/internal/config"
	"github.com/copyleftdev/mfsolve/internal/errors"
	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// JSON-RPC 2.0 error codes
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return e.message }

// rpcCode maps a handler error to a JSON-RPC error code
func rpcCode(err error) int {
	var re *rpcError
	switch {
	case errors.As(err, &re):
		return re.code
	case errors.Is(err, optimization.ErrConfiguration),
		errors.Is(err, optimization.ErrDimensionMismatch),
		errors.Is(err, ErrJobNotFound):
		return rpcInvalidParams
	default:
		return rpcServerError
	}
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBytes)).Decode(&request); err != nil {
		s.respondWithError(w, rpcParseError, "Parse error", nil)
		return
	}
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, rpcInvalidRequest, "Invalid Request", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "solve.start":
		result, err = s.rpcStart(request.Params)
	case "solve.status":
		result, err = s.rpcWithID(request.Params, func(id string) (interface{}, error) {
			return s.jobStatus(id)
		})
	case "solve.cancel":
		result, err = s.rpcWithID(request.Params, func(id string) (interface{}, error) {
			return map[string]string{"status": "cancellation requested"}, s.cancelJob(id)
		})
	default:
		s.respondWithError(w, rpcMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// rpcStart handles solve.start. params[0] is a run description object.
func (s *Server) rpcStart(params []json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, &rpcError{rpcInvalidParams, "missing run description"}
	}
	run, err := config.ParseRun(params[0])
	if err != nil {
		return nil, err
	}
	job, err := s.startSolve(run)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"job_id": job.ID,
		"status": StatusPending,
	}, nil
}

// rpcWithID decodes {"job_id": ...} from params[0] and calls fn with it
func (s *Server) rpcWithID(params []json.RawMessage, fn func(id string) (interface{}, error)) (interface{}, error) {
	if len(params) == 0 {
		return nil, &rpcError{rpcInvalidParams, "missing parameters"}
	}
	var p struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(params[0], &p); err != nil || p.JobID == "" {
		return nil, &rpcError{rpcInvalidParams, "job_id is required"}
	}
	return fn(p.JobID)
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}
