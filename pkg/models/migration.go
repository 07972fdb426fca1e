package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/walletmigrate/pkg/constants"
)

// TenantID names a wallet: one isolated namespace inside the shared storage engine.
// It is opaque to the coordinator and stable for the wallet's lifetime.
type TenantID string

// ParseTenantID validates a wallet id taken from a request or the command line.
func ParseTenantID(s string) (TenantID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", constants.ErrInvalidTenant)
	}
	if strings.ContainsAny(s, "/\x00") {
		return "", fmt.Errorf("%w: %q", constants.ErrInvalidTenant, s)
	}
	return TenantID(s), nil
}

func (t TenantID) String() string {
	return string(t)
}

// MigrationState is the durable migration status of a wallet.
type MigrationState string

const (
	// StateNone means the wallet has never started migrating. It is never
	// persisted; absence of a record implies it.
	StateNone MigrationState = "none"

	// StateInProgress means some process owns a running (or interrupted)
	// conversion. Requests against the wallet must be rejected.
	StateInProgress MigrationState = "in_progress"

	// StateFinished is terminal: conversion is durably complete.
	StateFinished MigrationState = "finished"
)

// Valid reports whether s is one of the three known states.
func (s MigrationState) Valid() bool {
	switch s {
	case StateNone, StateInProgress, StateFinished:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next directly follows s.
// The only valid transitions are none -> in_progress -> finished.
func (s MigrationState) CanTransitionTo(next MigrationState) bool {
	switch s {
	case StateNone:
		return next == StateInProgress
	case StateInProgress:
		return next == StateFinished
	default:
		return false
	}
}

func (s MigrationState) String() string {
	return string(s)
}

// MigrationRecord is the persisted migration fact for one wallet.
type MigrationRecord struct {
	Tenant TenantID       `json:"tenant" cbor:"tenant"`
	State  MigrationState `json:"state" cbor:"state"`

	// Owner is the instance id of the process whose begin call succeeded.
	Owner string `json:"owner,omitempty" cbor:"owner,omitempty"`

	// Episode identifies one begin call; it changes if a record is ever
	// recreated by an operator.
	Episode string `json:"episode,omitempty" cbor:"episode,omitempty"`

	StartedAt  time.Time  `json:"started_at,omitempty" cbor:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty" cbor:"finished_at,omitempty"`
}

// NoneRecord is the implied record of a wallet that never started migrating.
func NoneRecord(tenant TenantID) MigrationRecord {
	return MigrationRecord{Tenant: tenant, State: StateNone}
}

// OwnedBy reports whether the record is in progress and owned by instance.
func (r MigrationRecord) OwnedBy(instance string) bool {
	return r.State == StateInProgress && r.Owner == instance
}
