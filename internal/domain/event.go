package domain

import "encoding/json"

type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Event types appended to the log.
const (
	EventPolicyCreated     = "policy.created"
	EventPolicyActivated   = "policy.activated"
	EventPolicyFailed      = "policy.failed"
	EventPolicyRetried     = "policy.retried"
	EventPolicyCancelled   = "policy.cancelled"
	EventPolicyExpired     = "policy.expired"
	EventPolicyArchived    = "policy.archived"
	EventPayoutSubmitted   = "payout.submitted"
	EventPayoutConfirmed   = "payout.confirmed"
	EventPayoutFailed      = "payout.failed"
	EventContractDeployed  = "contract.deployed"
	EventContractActivated = "contract.activated"
	EventContractFailed    = "contract.failed"
	EventLedgerAmbiguous   = "ledger.ambiguous"
)
