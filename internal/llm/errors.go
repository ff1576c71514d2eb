package llm

import "fmt"

type ErrUnsupportedMode struct {
	Mode string
}

func (e ErrUnsupportedMode) Error() string {
	return fmt.Sprintf("unsupported LLM provider mode: %s", e.Mode)
}

// ErrUpstreamStatus marks an HTTP-level failure from the provider. Transient
// statuses (429, 5xx) are eligible for retry; everything else is not.
type ErrUpstreamStatus struct {
	StatusCode int
	Status     string
}

func (e ErrUpstreamStatus) Error() string {
	return fmt.Sprintf("LLM request failed: %s", e.Status)
}

func (e ErrUpstreamStatus) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
