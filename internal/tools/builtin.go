package tools

import "time"

// Options tune the built-in tools.
type Options struct {
	// SendTimeout bounds how long sendRequest waits for the response.
	SendTimeout time.Duration
	// MaxResponseBytes caps the response text returned to the model by
	// sendRequest and range reads.
	MaxResponseBytes int
}

// BuiltinRegistry returns a registry holding every built-in tool.
func BuiltinRegistry(opts Options) *Registry {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	r := NewRegistry()
	for _, t := range requestTools() {
		r.MustRegister(t)
	}
	for _, t := range responseTools(opts) {
		r.MustRegister(t)
	}
	for _, t := range sessionTools() {
		r.MustRegister(t)
	}
	r.MustRegister(evaluateTool())
	return r
}
