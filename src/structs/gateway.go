package structs

// GET /gateway response.
type GatewayResponse struct {
	URL string `json:"url"`
}

// http response when interacting to discord's resources
type ErrorHTTPResponse struct {
	Message string      `json:"message"`
	Code    uint        `json:"code"`
	Errors  interface{} `json:"errors,omitempty"`
}

type HTTPErrorCode = uint

const (
	HTTPErrorUnknownVoiceState HTTPErrorCode = 10065
)
