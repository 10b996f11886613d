package socketrpc

import (
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server feeds an aggregator over a Unix domain socket, one
// request per line.
//
//   Method     Params                          Result
//   ───────    ────────────────────────────    ──────────────────────
//   Send       event object or array of them   {accepted: int}
//   Metrics    (none)                          string (text exposition)
//   Status     (none)                          {buffered: int}
//
// Events use the flat wire form: metric values at the top level next to
// "type", "metric_labels" and "custom_labels".
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (render failure)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int                 `json:"id"`
	Method  string              `json:"method"`
	Params  jsoniter.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int                 `json:"id"`
	Result  jsoniter.RawMessage `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// SendResult is the result of Send.
type SendResult struct {
	Accepted int `json:"accepted"`
}

// StatusResult is the result of Status.
type StatusResult struct {
	Buffered int `json:"buffered"`
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/pgqexporter/pgqexporter.sock, falling back to
// ~/.local/state/pgqexporter/pgqexporter.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "pgqexporter", "pgqexporter.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/pgqexporter.sock"
	}
	return filepath.Join(home, ".local", "state", "pgqexporter", "pgqexporter.sock")
}
