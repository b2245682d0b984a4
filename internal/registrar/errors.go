package registrar

import "fmt"

// Kind enumerates the registrar-layer failure categories from spec §7.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidRequest
	KindIntervalTooBrief
	KindUnsupportedURIScheme
	KindFirstHopLacksOutbound
	KindForbidden
	KindInternalError
	KindCallbackError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindIntervalTooBrief:
		return "interval_too_brief"
	case KindUnsupportedURIScheme:
		return "unsupported_uri_scheme"
	case KindFirstHopLacksOutbound:
		return "first_hop_lacks_outbound"
	case KindForbidden:
		return "forbidden"
	case KindInternalError:
		return "internal_error"
	case KindCallbackError:
		return "callback_error"
	default:
		return "none"
	}
}

// StatusCode maps a Kind to the wire status spec §7 assigns it.
func (k Kind) StatusCode() int {
	switch k {
	case KindInvalidRequest:
		return 400
	case KindIntervalTooBrief:
		return 423 // Interval Too Brief, Min-Expires carries the detail
	case KindUnsupportedURIScheme:
		return 416
	case KindFirstHopLacksOutbound:
		return 439 // First Hop Lacks Outbound Support, RFC 5626 §7.1
	case KindForbidden:
		return 403
	case KindInternalError, KindCallbackError:
		return 500
	default:
		return 200
	}
}

// CodedError pairs a Kind with a human detail message. For
// KindIntervalTooBrief, Detail carries the Min-Expires value to send
// back; for the others it is free text for logging/Reason.
type CodedError struct {
	Kind   Kind
	Detail string
}

func (e *CodedError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
