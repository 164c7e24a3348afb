package errors

import (
	"errors"
	"fmt"
)

// Failure taxonomy for the settlement vault. The sentinels classify the
// failure for retry policy; the typed errors below wrap them with the context
// an operator needs to decide the next action. Callers classify with
// errors.Is and extract detail with errors.As.
var (
	// ErrUnauthorized: the caller did not present the orchestrator
	// credential. Fatal, never retried.
	ErrUnauthorized = errors.New("caller is not the settlement orchestrator")

	// ErrArgument: invalid or zero inputs. Fatal, caller must resupply.
	ErrArgument = errors.New("settlement input is invalid")

	// ErrDuplicateSettlement: settlement id collision on create.
	ErrDuplicateSettlement = errors.New("settlement id already exists")

	// ErrState: operation invoked outside its documented precondition state.
	// Indicates an orchestration bug; surfaced, never auto-retried.
	ErrState = errors.New("settlement is in the wrong state for this operation")

	// ErrInsufficientOutput: conversion produced less settlement currency
	// than required. Recoverable; the orchestrator decides retry or cancel.
	ErrInsufficientOutput = errors.New("conversion output below required settlement amount")

	// ErrTransfer: a fund or asset movement failed. Fatal to the enclosing
	// operation, which must leave no partial effect.
	ErrTransfer = errors.New("fund movement failed")

	// ErrNotFound: no settlement record for the given id.
	ErrNotFound = errors.New("settlement not found")
)

// StateError reports the state-machine precondition that was violated.
type StateError struct {
	SettlementID string
	Operation    string
	Expected     []string
	Actual       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("settlement %s: %s requires state %v, current state is %s",
		e.SettlementID, e.Operation, e.Expected, e.Actual)
}

func (e *StateError) Unwrap() error { return ErrState }

// InsufficientOutputError carries the conversion shortfall.
type InsufficientOutputError struct {
	SettlementID   string
	Required       int64
	Received       int64
	AmountConsumed int64
}

func (e *InsufficientOutputError) Error() string {
	return fmt.Sprintf("settlement %s: conversion returned %d, required %d (consumed %d)",
		e.SettlementID, e.Received, e.Required, e.AmountConsumed)
}

func (e *InsufficientOutputError) Unwrap() error { return ErrInsufficientOutput }

// TransferError identifies the movement that failed inside an operation.
type TransferError struct {
	SettlementID string
	Token        string
	From         string
	To           string
	Amount       int64
	Cause        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("settlement %s: transfer of %d %s from %s to %s failed: %v",
		e.SettlementID, e.Amount, e.Token, e.From, e.To, e.Cause)
}

func (e *TransferError) Unwrap() error { return ErrTransfer }
