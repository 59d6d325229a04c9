package types

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the protocol failures the bootstrap can raise.
// Transient I/O failures are not protocol failures, those are handled
// inside the dial and accept loops.
type ErrorKind int

const (
	// Bind means the listen address could not be bound even after
	// the bounded retry. There is no point restarting the protocol,
	// the process must give up.
	Bind ErrorKind = iota

	// EpochMismatch means a peer presented an epoch strictly greater
	// than ours, so our generation is doomed. The attempt must be
	// torn down and retried so we can join the newer generation.
	EpochMismatch

	// Reconnect means a higher-indexed peer connected twice within a
	// single attempt. The peer crashed and restarted, dooming this
	// generation, so the attempt must be torn down and retried.
	Reconnect
)

// BootstrapError is the protocol-level error raised by an attempt.
type BootstrapError struct {
	Kind ErrorKind

	// Address that failed to bind, set for Bind errors.
	Address string

	// Index of the offending peer, set for EpochMismatch and
	// Reconnect errors.
	PeerIndex int

	// Epochs involved in an EpochMismatch.
	PeerEpoch Epoch
	MyEpoch   Epoch

	// Underlying cause, set for Bind errors.
	Cause error
}

func (e *BootstrapError) Error() string {
	switch e.Kind {
	case Bind:
		return fmt.Sprintf("failed to bind at %s: %v", e.Address, e.Cause)
	case EpochMismatch:
		return fmt.Sprintf("peer %d has greater epoch: %s > %s", e.PeerIndex, e.PeerEpoch, e.MyEpoch)
	case Reconnect:
		return fmt.Sprintf("observed second instance of peer %d", e.PeerIndex)
	default:
		return fmt.Sprintf("unknown bootstrap error kind %d", e.Kind)
	}
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error cannot resolve on a retry.
func (e *BootstrapError) IsFatal() bool {
	return e.Kind == Bind
}

// IsFatal reports whether err carries a fatal bootstrap error.
// Errors that are not bootstrap errors at all, like a cancelled
// context, are not the protocol's to classify and report false.
func IsFatal(err error) bool {
	var e *BootstrapError
	if errors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}

// NewBindError marks the listen address as unusable.
func NewBindError(address string, cause error) *BootstrapError {
	return &BootstrapError{Kind: Bind, Address: address, Cause: cause}
}

// NewEpochMismatch marks this generation as doomed by a newer one.
func NewEpochMismatch(peerIndex int, peerEpoch, myEpoch Epoch) *BootstrapError {
	return &BootstrapError{Kind: EpochMismatch, PeerIndex: peerIndex, PeerEpoch: peerEpoch, MyEpoch: myEpoch}
}

// NewReconnect marks this generation as doomed by a restarted member.
func NewReconnect(peerIndex int) *BootstrapError {
	return &BootstrapError{Kind: Reconnect, PeerIndex: peerIndex}
}
