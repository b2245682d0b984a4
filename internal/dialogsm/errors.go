package dialogsm

import "fmt"

// Kind enumerates the dialog-layer failure categories from spec §7.
type Kind int

const (
	KindNone Kind = iota
	KindNoTransaction
	KindRequestPending
	KindRetry
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindNoTransaction:
		return "no_transaction"
	case KindRequestPending:
		return "request_pending"
	case KindRetry:
		return "retry"
	case KindInternalError:
		return "internal_error"
	default:
		return "none"
	}
}

// StatusCode maps a Kind to the wire status spec §7 assigns it. Building
// the actual *sip.Response is a transport-layer concern; this just gives
// that collaborator the number it needs.
func (k Kind) StatusCode() int {
	switch k {
	case KindNoTransaction:
		return 481
	case KindRequestPending:
		return 491
	case KindRetry:
		return 500
	case KindInternalError:
		return 500
	default:
		return 200
	}
}

// CodedError pairs a Kind with a human detail message. Retry carries the
// Retry-After seconds value (0..10 per spec §4.3.1's "Processing Previous
// INVITE" row); Reason overrides the default reason phrase when the spec
// names a literal one.
type CodedError struct {
	Kind   Kind
	Detail string
	Retry  int
	Reason string
}

func (e *CodedError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func errNoTransaction() *CodedError {
	return &CodedError{Kind: KindNoTransaction}
}

func errRequestPending() *CodedError {
	return &CodedError{Kind: KindRequestPending}
}

// errRetryProcessing builds the "500 + Retry-After + Processing Previous
// INVITE" rejection from spec §4.3.1's proceeding_uas/accepted_uas row.
// retryAfter must already be chosen in [0,10]s by the caller.
func errRetryProcessing(retryAfter int) *CodedError {
	return &CodedError{Kind: KindRetry, Retry: retryAfter, Reason: "Processing Previous INVITE"}
}

func errInternal(detail string) *CodedError {
	return &CodedError{Kind: KindInternalError, Detail: detail}
}
