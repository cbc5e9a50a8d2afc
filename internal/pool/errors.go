package pool

import "errors"

var (
	ErrNotOracle               = errors.New("only oracle can execute payout")
	ErrNotOwner                = errors.New("caller is not the owner")
	ErrInvalidPolicyID         = errors.New("invalid policy id")
	ErrPolicyNotActive         = errors.New("policy not active")
	ErrPolicyExpired           = errors.New("policy expired")
	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")
	ErrReentrantCall           = errors.New("reentrant call")
)
