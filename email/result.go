package email

// Result is the outcome of a single send. It is either Success or Failure;
// callers are expected to switch on the concrete type.
type Result interface {
	// OK reports whether the message was accepted by the relay.
	OK() bool
	isResult()
}

// Success means the relay accepted the message and the session was closed
// cleanly.
type Success struct{}

// OK implements Result.
func (Success) OK() bool { return true }

func (Success) isResult() {}

// Failure carries a human-readable reason and, when one exists, the error
// that caused it.
type Failure struct {
	Reason string
	Err    error
}

// OK implements Result.
func (Failure) OK() bool { return false }

func (Failure) isResult() {}

// Unwrap exposes the captured error to errors.Is and errors.As.
func (f Failure) Unwrap() error { return f.Err }

func (f Failure) Error() string { return f.Reason }

// failWith converts err into a Failure whose reason is the error text.
func failWith(err error) Failure {
	return Failure{Reason: err.Error(), Err: err}
}
