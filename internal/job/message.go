package job

import "encoding/json"

// Message is the queue body carried between the submission API and the
// workers. It is an internal wire contract, not a public interface.
type Message struct {
	JobID   string          `json:"job_id"`
	Type    Type            `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
}

// CredentialAttributes ride the transport as message-level metadata,
// distinct from the body, so body-level logging and tracing never see
// them. Empty values mean system-managed credentials.
type CredentialAttributes struct {
	Provider string
	APIKey   string
}

// UserSupplied reports whether the message carries user credentials.
func (a CredentialAttributes) UserSupplied() bool {
	return a.Provider != "" || a.APIKey != ""
}
