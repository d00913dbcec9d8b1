package version

// Version is the current version of the voice companion
const Version = "0.1.0"

// UserAgent returns the User-Agent string for outbound gateway connections
func UserAgent() string {
	return "voice-companion/" + Version
}

// ServerHeader returns the Server header value for HTTP responses
func ServerHeader() string {
	return "voice-companion/" + Version
}
