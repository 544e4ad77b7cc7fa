package model

// HashChainUnavailable flags a degraded record written by the fallback
// writer when the canonical seal could not complete. Verification skips
// the hash check for flagged records but still enforces continuity on
// both sides.
const HashChainUnavailable = "unavailable"

// TrustLogRecord is one sealed audit record. Immutable once appended.
// SHA256 covers the previous record's hash concatenated with the
// canonical JSON of this record minus the two sha fields.
type TrustLogRecord struct {
	ID         string         `json:"id"`
	CreatedAt  string         `json:"created_at"` // ISO 8601, UTC
	RequestID  string         `json:"request_id"`
	Stage      string         `json:"stage"`
	Payload    map[string]any `json:"payload"`
	HashChain  string         `json:"hash_chain,omitempty"`
	SHA256Prev *string        `json:"sha256_prev"`
	SHA256     string         `json:"sha256"`
}

// Degraded reports whether this record was written by the fallback writer.
func (r TrustLogRecord) Degraded() bool {
	return r.HashChain == HashChainUnavailable
}

// Ref returns the response-facing reference for this record.
func (r TrustLogRecord) Ref() *TrustLogRef {
	return &TrustLogRef{ID: r.ID, SHA256: r.SHA256, SHA256Prev: r.SHA256Prev}
}

// VerifyReport is the result of a full chain verification pass.
// FirstMismatch is a global record index across archived segments and the
// active primary, in chain order.
type VerifyReport struct {
	OK            bool   `json:"ok"`
	Records       int    `json:"records"`
	Segments      int    `json:"segments"`
	Degraded      int    `json:"degraded"`
	FirstMismatch *int   `json:"first_mismatch,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ChainContinuity classifies the linkage of one request's records.
type ChainContinuity string

const (
	ContinuityOK     ChainContinuity = "ok"
	ContinuityBroken ChainContinuity = "broken"
	ContinuityEmpty  ChainContinuity = "empty"
)

// RequestChainReport aggregates the records sealed for one request_id
// together with a continuity verdict over those records.
type RequestChainReport struct {
	RequestID  string           `json:"request_id"`
	Records    []TrustLogRecord `json:"records"`
	Continuity ChainContinuity  `json:"continuity"`
}
