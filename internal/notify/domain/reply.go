package domain

// OpcodeNotify is the DNS opcode for NOTIFY messages (RFC 1996).
const OpcodeNotify = 4

// ReplyHeader holds the header fields of a notify reply that matter for
// validation. Replies carry no actionable payload beyond these.
type ReplyHeader struct {
	ID         uint16
	Opcode     uint8
	IsResponse bool
	RCode      RCode
}

// Verdict classifies a notify reply against the pending query.
type Verdict int

const (
	// VerdictReject means the reply is malformed, mismatched, or carries
	// a retryable error code. The current target stays current.
	VerdictReject Verdict = iota
	// VerdictAcknowledged means the secondary accepted the notify.
	VerdictAcknowledged
	// VerdictGiveUp means the secondary answered NOTIMP; per RFC 1996
	// further retries to this target are pointless.
	VerdictGiveUp
)

// String returns the textual representation of the Verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAcknowledged:
		return "acknowledged"
	case VerdictGiveUp:
		return "give-up"
	default:
		return "reject"
	}
}

// ValidateReply decides whether a notify reply header settles the pending
// query identified by expectedID. It is a pure function: an attacker who
// can inject datagrams can at worst force a Reject, never advance state,
// unless they also guess the query ID.
func ValidateReply(hdr ReplyHeader, expectedID uint16) Verdict {
	if hdr.Opcode != OpcodeNotify || !hdr.IsResponse {
		return VerdictReject
	}
	if hdr.ID != expectedID {
		return VerdictReject
	}
	if hdr.RCode != RCodeNoError {
		if hdr.RCode == RCodeNotImp {
			return VerdictGiveUp
		}
		return VerdictReject
	}
	return VerdictAcknowledged
}
