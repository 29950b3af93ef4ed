// Package domain defines the core data model of the replication engine and
// the interfaces through which infrastructure packages (postgres, redis, s3,
// broker clients) are consumed. It has no dependencies outside the standard
// library so every other internal package can import it freely.
package domain

import (
	"math"
	"time"
)

// AccountRole distinguishes the copied account from the accounts mirroring it.
type AccountRole string

const (
	RoleMaster   AccountRole = "master"
	RoleFollower AccountRole = "follower"
)

// Account is a configured brokerage account participating in replication.
// Exactly one account carries RoleMaster; every other enabled account mirrors
// it at its own SizeRatio.
type Account struct {
	ID             string
	Name           string
	Role           AccountRole
	CredentialsRef string // name of the credential entry, never the secret itself
	SizeRatio      float64
	Enabled        bool
	DisabledAt     *time.Time
	DisableReason  string
}

// FollowerQuantity computes the follower-side quantity for a master quantity
// at the account's size ratio, rounded to the nearest multiple of lotSize
// (half away from zero). A result of zero means the task is skipped rather
// than submitted.
func (a Account) FollowerQuantity(masterQty int, lotSize int) int {
	if lotSize <= 0 {
		lotSize = 1
	}
	scaled := float64(masterQty) * a.SizeRatio
	lots := math.Round(scaled / float64(lotSize))
	return int(lots) * lotSize
}

// AccountStatus is the read-only per-account view exposed on the status
// surface. Mutation flows back in as new configuration, never through the
// status API.
type AccountStatus struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Enabled       bool       `json:"enabled"`
	SizeRatio     float64    `json:"size_ratio,omitempty"`
	DisabledAt    *time.Time `json:"disabled_at,omitempty"`
	DisableReason string     `json:"disable_reason,omitempty"`
	SessionValid  bool       `json:"session_valid"`
	AuthFailures  int        `json:"auth_failures"`
}
