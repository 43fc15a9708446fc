package version

// Version is the current version of the callpilot server
const Version = "0.3.0"

// UserAgent returns the User-Agent string for outbound HTTP requests
func UserAgent() string {
	return "callpilot/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "callpilot/" + Version
}
