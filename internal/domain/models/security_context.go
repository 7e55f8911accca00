package models

// SecurityContext is the explicit identity value threaded through the gate and the pipeline.
// Handlers receive it from the gate decision rather than from ambient state.
type SecurityContext struct {
	RequestID string
	TraceID   string
	ClientID  string
	ClientIP  string
	UserAgent string
	APIKey    *ApiKeyInfo
	Country   string
}

// Authenticated reports whether an API key was validated for this request.
func (sc *SecurityContext) Authenticated() bool {
	return sc != nil && sc.APIKey != nil
}
