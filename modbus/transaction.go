package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TransactionState is the state of a TransactionManager.
type TransactionState uint8

// Transaction states.
const (
	// StateIdle means no request is outstanding.
	StateIdle TransactionState = iota

	// StateAwaitingResponse means one request is outstanding.
	StateAwaitingResponse

	// StateTimedOut is passed through when the outstanding request times out,
	// on the way back to StateIdle.
	StateTimedOut
)

// transactionStateNames are the names of the transaction states.
var transactionStateNames = [...]string{
	"idle",
	"awaiting response",
	"timed out",
}

// String renders this state as a string.
func (s TransactionState) String() string {
	if int(s) < len(transactionStateNames) {
		return transactionStateNames[s]
	}
	return fmt.Sprintf("unknown state %d", s)
}

// TransactionRecord describes the outstanding request.
type TransactionRecord struct {
	// ID is the transaction identifier of the request.
	ID uint16

	// SentAt is the time the request was sent.
	SentAt time.Time

	// ExpectedFunction is the function code of the request.
	ExpectedFunction FunctionCode
}

// TransactionManager allocates transaction identifiers and tracks the single
// outstanding request of a client connection. A response is accepted only if
// it carries the identifier of the outstanding request, so identifiers which
// wrap around can never match a retired record.
//
// A TransactionManager is safe for concurrent use.
type TransactionManager struct {
	// mx protects the fields below.
	mx sync.Mutex

	// timeout is the request timeout.
	timeout time.Duration

	// nextID is the next transaction identifier to allocate.
	nextID uint16

	// state is the current state.
	state TransactionState

	// record is the outstanding request, valid in StateAwaitingResponse.
	record TransactionRecord

	// now returns the current time.
	now func() time.Time

	// log receives state transitions.
	log zerolog.Logger
}

// NewTransactionManager returns an idle transaction manager with the given
// request timeout.
func NewTransactionManager(timeout time.Duration, log zerolog.Logger) *TransactionManager {
	return &TransactionManager{
		timeout: timeout,
		now:     time.Now,
		log:     log,
	}
}

// Timeout returns the request timeout.
func (tm *TransactionManager) Timeout() time.Duration {
	return tm.timeout
}

// State returns the current state.
func (tm *TransactionManager) State() TransactionState {
	tm.mx.Lock()
	defer tm.mx.Unlock()
	return tm.state
}

// Outstanding returns the outstanding request, if any.
func (tm *TransactionManager) Outstanding() (TransactionRecord, bool) {
	tm.mx.Lock()
	defer tm.mx.Unlock()
	return tm.record, tm.state == StateAwaitingResponse
}

// setState transitions to the given state. tm.mx must be held.
func (tm *TransactionManager) setState(s TransactionState) {
	tm.log.Debug().
		Uint16("transaction", tm.record.ID).
		Stringer("from", tm.state).
		Stringer("to", s).
		Msg("transaction state")
	tm.state = s
}

// Send records a new request with the given function code and allocates its
// transaction identifier. It is only legal while idle.
func (tm *TransactionManager) Send(fc FunctionCode) (TransactionRecord, error) {
	tm.mx.Lock()
	defer tm.mx.Unlock()
	if tm.state != StateIdle {
		return TransactionRecord{}, fmt.Errorf("%w: send while %s",
			ErrInvalidState, tm.state)
	}
	tm.record = TransactionRecord{
		ID:               tm.nextID,
		SentAt:           tm.now(),
		ExpectedFunction: fc,
	}
	tm.nextID++
	tm.setState(StateAwaitingResponse)
	return tm.record, nil
}

// OnResponse matches a response header against the outstanding request. On
// success, the request is retired and the manager becomes idle. A response
// with any other transaction identifier yields ErrUnsolicitedResponse and
// leaves the state unchanged.
func (tm *TransactionManager) OnResponse(h MBAPHeader) (TransactionRecord, error) {
	tm.mx.Lock()
	defer tm.mx.Unlock()
	if tm.state != StateAwaitingResponse || h.TransactionID != tm.record.ID {
		return TransactionRecord{}, fmt.Errorf("%w: transaction %d",
			ErrUnsolicitedResponse, h.TransactionID)
	}
	rec := tm.record
	tm.setState(StateIdle)
	return rec, nil
}

// CheckTimeout times out the outstanding request if it was sent more than the
// request timeout before now. It returns ErrRequestTimedOut in that case, and
// nil otherwise. The identifier of a timed out request is never reused for a
// retry.
func (tm *TransactionManager) CheckTimeout(now time.Time) error {
	tm.mx.Lock()
	defer tm.mx.Unlock()
	if tm.state != StateAwaitingResponse || now.Sub(tm.record.SentAt) <= tm.timeout {
		return nil
	}
	tm.setState(StateTimedOut)
	tm.setState(StateIdle)
	return fmt.Errorf("%w: transaction %d after %s",
		ErrRequestTimedOut, tm.record.ID, tm.timeout)
}

// Cancel abandons the outstanding request with the given identifier. It
// returns false if that request is no longer outstanding, e. g., because its
// response has been matched concurrently.
func (tm *TransactionManager) Cancel(id uint16) bool {
	tm.mx.Lock()
	defer tm.mx.Unlock()
	if tm.state != StateAwaitingResponse || tm.record.ID != id {
		return false
	}
	tm.setState(StateIdle)
	return true
}
