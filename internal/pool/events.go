package pool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EventPolicyPurchased      = "PolicyPurchased"
	EventPayoutExecuted       = "PayoutExecuted"
	EventOracleUpdated        = "OracleUpdated"
	EventOwnershipTransferred = "OwnershipTransferred"
	EventPolicyParamsUpdated  = "PolicyParamsUpdated"
	EventPoolFunded           = "PoolFunded"
)

// Event is a ledger event payload.
type Event interface {
	EventName() string
}

type PolicyPurchased struct {
	User       common.Address `json:"user"`
	PolicyID   uint64         `json:"policy_id"`
	Premium    uint64         `json:"premium"`
	Coverage   uint64         `json:"coverage"`
	ExpiryTime time.Time      `json:"expiry_time"`
}

type PayoutExecuted struct {
	User     common.Address `json:"user"`
	PolicyID uint64         `json:"policy_id"`
	Amount   uint64         `json:"amount"`
	Evidence string         `json:"evidence"`
}

type OracleUpdated struct {
	NewOracle common.Address `json:"new_oracle"`
}

type OwnershipTransferred struct {
	PreviousOwner common.Address `json:"previous_owner"`
	NewOwner      common.Address `json:"new_owner"`
}

type PolicyParamsUpdated struct {
	Params Params `json:"params"`
}

type PoolFunded struct {
	Funder common.Address `json:"funder"`
	Amount uint64         `json:"amount"`
}

func (PolicyPurchased) EventName() string      { return EventPolicyPurchased }
func (PayoutExecuted) EventName() string       { return EventPayoutExecuted }
func (OracleUpdated) EventName() string        { return EventOracleUpdated }
func (OwnershipTransferred) EventName() string { return EventOwnershipTransferred }
func (PolicyParamsUpdated) EventName() string  { return EventPolicyParamsUpdated }
func (PoolFunded) EventName() string           { return EventPoolFunded }

// Record is a committed event with its position in the pool's history.
type Record struct {
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	Event Event     `json:"-"`
}

type wireRecord struct {
	Seq   uint64          `json:"seq"`
	At    time.Time       `json:"at"`
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// MarshalJSON flattens the record into {seq, at, type, event}.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Event == nil {
		return nil, fmt.Errorf("pool: record %d has no event", r.Seq)
	}
	body, err := json.Marshal(r.Event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRecord{Seq: r.Seq, At: r.At, Type: r.Event.EventName(), Event: body})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ev, err := decodeEvent(w.Type, w.Event)
	if err != nil {
		return err
	}
	r.Seq, r.At, r.Event = w.Seq, w.At, ev
	return nil
}

func decodeEvent(kind string, body []byte) (Event, error) {
	var ev Event
	switch kind {
	case EventPolicyPurchased:
		ev = &PolicyPurchased{}
	case EventPayoutExecuted:
		ev = &PayoutExecuted{}
	case EventOracleUpdated:
		ev = &OracleUpdated{}
	case EventOwnershipTransferred:
		ev = &OwnershipTransferred{}
	case EventPolicyParamsUpdated:
		ev = &PolicyParamsUpdated{}
	case EventPoolFunded:
		ev = &PoolFunded{}
	default:
		return nil, fmt.Errorf("pool: unknown event type %q", kind)
	}
	if err := json.Unmarshal(body, ev); err != nil {
		return nil, fmt.Errorf("pool: decode %s: %w", kind, err)
	}
	return deref(ev), nil
}

// deref returns events by value so type switches on decoded records match
// the ones the pool publishes.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *PolicyPurchased:
		return *e
	case *PayoutExecuted:
		return *e
	case *OracleUpdated:
		return *e
	case *OwnershipTransferred:
		return *e
	case *PolicyParamsUpdated:
		return *e
	case *PoolFunded:
		return *e
	}
	return ev
}
