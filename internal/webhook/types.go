package webhook

// Config holds the listener and its endpoints.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines one signed POST endpoint.
type EndpointConfig struct {
	// Path is the URL path, e.g. "/lis/results".
	Path string

	// Source stamps results that do not name their own feed.
	// Defaults to "webhook".
	Source string

	// Secret is the shared HMAC key.
	Secret string

	// SignatureHeader carries the HMAC. Defaults to X-Critvals-Signature.
	SignatureHeader string

	// MaxBodySize in bytes. Defaults to 1 MB.
	MaxBodySize int64
}

// Response reports what happened to a batch.
type Response struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ErrorResponse is the JSON body of a refused request.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize = 1048576 // 1 MB
	DefaultSource      = "webhook"
)
