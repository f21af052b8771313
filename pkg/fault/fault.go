// Package fault defines the orchestrator's typed error taxonomy. Every
// error that crosses a component boundary carries a machine-readable code;
// callers branch on the code (or errors.As) rather than on message text.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeCellRequest    Code = "CELL_REQUEST_FAILED"
	CodeSecurity       Code = "SECURITY_VERIFICATION_FAILED"
	CodeCellActivation Code = "CELL_ACTIVATION_FAILED"
	CodeCellConnection Code = "CELL_CONNECTION_FAILED"
	CodeResource       Code = "RESOURCE_EXHAUSTED"
	CodeBlockInvalid   Code = "BLOCK_VALIDATION_FAILED"
	CodeTxInvalid      Code = "TX_VALIDATION_FAILED"
	CodeLedger         Code = "LEDGER_FAILED"
	CodeTimeout        Code = "TIMEOUT"
	CodeUnknown        Code = "UNKNOWN"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	FaultCode() Code
}

// CodeOf extracts the code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.FaultCode()
	}
	return CodeUnknown
}

// Retryable reports whether the fault class permits a retry against another
// provider. Security and resource faults never are.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeCellRequest, CodeTimeout:
		return true
	}
	return false
}

// CellRequestError reports that a cell could not be obtained for a
// capability after exhausting the listed providers.
type CellRequestError struct {
	Capability     string
	ProvidersTried []string
	Cause          error
}

func (e *CellRequestError) Error() string {
	return fmt.Sprintf("cell request failed for capability %q (providers tried: [%s])",
		e.Capability, strings.Join(e.ProvidersTried, ", "))
}

func (e *CellRequestError) FaultCode() Code { return CodeCellRequest }
func (e *CellRequestError) Unwrap() error   { return e.Cause }

// SecurityVerificationError reports a signature or policy violation. It is
// never retried; the assembly aborts and cleans up.
type SecurityVerificationError struct {
	CellID string
	Stage  string // generate, verify_signature, verify_cell, connection_policy
	Reason string
}

func (e *SecurityVerificationError) Error() string {
	if e.CellID == "" {
		return fmt.Sprintf("security verification failed at %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("security verification failed for cell %s at %s: %s", e.CellID, e.Stage, e.Reason)
}

func (e *SecurityVerificationError) FaultCode() Code { return CodeSecurity }

// CellActivationError reports a lifecycle transition failure during
// activation.
type CellActivationError struct {
	CellID string
	Reason string
	Cause  error
}

func (e *CellActivationError) Error() string {
	return fmt.Sprintf("cell %s activation failed: %s", e.CellID, e.Reason)
}

func (e *CellActivationError) FaultCode() Code { return CodeCellActivation }
func (e *CellActivationError) Unwrap() error   { return e.Cause }

// CellConnectionError reports a failed connection installation.
type CellConnectionError struct {
	SourceID string
	TargetID string
	Reason   string
}

func (e *CellConnectionError) Error() string {
	return fmt.Sprintf("connection %s -> %s failed: %s", e.SourceID, e.TargetID, e.Reason)
}

func (e *CellConnectionError) FaultCode() Code { return CodeCellConnection }

// ResourceExhaustionError reports that the resource table could not cover
// an allocation. The table is left unchanged.
type ResourceExhaustionError struct {
	Resource string // memory_mb, cpu_percent, storage_mb
	Limit    int
	Actual   int
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("resource %s exhausted: requested %d, available %d", e.Resource, e.Actual, e.Limit)
}

func (e *ResourceExhaustionError) FaultCode() Code { return CodeResource }

// BlockValidationError reports a block that fails chain validation.
type BlockValidationError struct {
	Index  int
	Reason string
}

func (e *BlockValidationError) Error() string {
	return fmt.Sprintf("block %d invalid: %s", e.Index, e.Reason)
}

func (e *BlockValidationError) FaultCode() Code { return CodeBlockInvalid }

// TransactionValidationError reports a transaction whose signature does not
// verify. The transaction is poisoned, not retried.
type TransactionValidationError struct {
	TxID   string
	Reason string
}

func (e *TransactionValidationError) Error() string {
	return fmt.Sprintf("transaction %s invalid: %s", e.TxID, e.Reason)
}

func (e *TransactionValidationError) FaultCode() Code { return CodeTxInvalid }

// LedgerError reports a ledger operation failure (persistence, mining,
// backpressure).
type LedgerError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed: %s", e.Op, e.Reason)
}

func (e *LedgerError) FaultCode() Code { return CodeLedger }
func (e *LedgerError) Unwrap() error   { return e.Cause }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) FaultCode() Code { return CodeTimeout }
