package domain

import "errors"

// ErrorKind is the closed taxonomy every place-level failure collapses into.
// Collaborator packages classify their own errors once; call sites switch on
// the kind instead of inspecting error types.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota
	// KindTransient covers connection and store errors worth a delayed
	// resubmission by the driver.
	KindTransient
	// KindFatal covers auth/permission/rate-limit/not-found provider errors
	// and malformed queries: the run must stop instead of re-failing against
	// the same wall for every remaining place.
	KindFatal
	// KindDataShape covers malformed or short model output; downgraded to
	// warnings plus best-effort padding, never a place failure on its own.
	KindDataShape
	// KindUnknown is everything else; recorded on the run row.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindDataShape:
		return "data-shape"
	default:
		return "unknown"
	}
}

// ErrProhibited signals the provider refused a batch for prohibited content.
// It is distinct from the taxonomy: the scorer recovers from it in place.
var ErrProhibited = errors.New("prohibited content")

// Kinder is implemented by errors that carry their own classification.
type Kinder interface {
	Kind() ErrorKind
}

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string   { return e.err.Error() }
func (e *kindError) Unwrap() error   { return e.err }
func (e *kindError) Kind() ErrorKind { return e.kind }

// WrapKind attaches a classification to err. A nil err stays nil.
func WrapKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the classification of err, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, ErrProhibited) {
		return KindDataShape
	}
	return KindUnknown
}

// PlaceResult is the outcome of one ProcessPlace call. It is always returned,
// never raised: a single place's failure must not corrupt the executor's
// bookkeeping. Stop is reserved for KindFatal.
type PlaceResult struct {
	PlaceID int64
	Stop    bool
	Kind    ErrorKind
	Err     error
}
