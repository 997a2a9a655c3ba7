package staking

import "fmt"

// Kind identifies which ledger check failed.
type Kind int

const (
	KindInsufficientAmount Kind = iota + 1
	KindInvalidTimestamp
	KindOverflow
	KindUnderflow
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindInsufficientAmount:
		return "insufficient amount"
	case KindInvalidTimestamp:
		return "invalid timestamp"
	case KindOverflow:
		return "arithmetic overflow"
	case KindUnderflow:
		return "arithmetic underflow"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrInsufficientAmount = &Error{Kind: KindInsufficientAmount}
	ErrInvalidTimestamp   = &Error{Kind: KindInvalidTimestamp}
	ErrOverflow           = &Error{Kind: KindOverflow}
	ErrUnderflow          = &Error{Kind: KindUnderflow}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
)

// Error carries the failed check and the values it was evaluated against.
type Error struct {
	Kind Kind
	// Op is the arithmetic step or check that failed, e.g. "staked_amount+amount".
	Op        string
	Amount    uint64
	Available uint64
	Now       int64
	Last      int64
	Caller    string
	Owner     string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientAmount:
		if e.Op == "" {
			return "amount must be greater than zero"
		}
		return fmt.Sprintf("insufficient balance: %s (amount=%d available=%d)", e.Op, e.Amount, e.Available)
	case KindInvalidTimestamp:
		return fmt.Sprintf("invalid timestamp: now=%d last=%d", e.Now, e.Last)
	case KindOverflow, KindUnderflow:
		return fmt.Sprintf("%s in %s", e.Kind, e.Op)
	case KindUnauthorized:
		return fmt.Sprintf("caller %s is not the owner of this stake record", e.Caller)
	default:
		return e.Kind.String()
	}
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func overflow(op string) error  { return &Error{Kind: KindOverflow, Op: op} }
func underflow(op string) error { return &Error{Kind: KindUnderflow, Op: op} }
