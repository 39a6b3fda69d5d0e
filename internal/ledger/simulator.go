package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"harvestline/internal/domain"
)

// Fault is an injected failure consumed by the next Submit.
type Fault int

const (
	// FaultNone submits normally.
	FaultNone Fault = iota
	// FaultLostResponse applies the transaction but reports Ambiguous.
	FaultLostResponse
	// FaultDropped reports Ambiguous without applying the transaction.
	FaultDropped
	// FaultUnavailable fails the call as if the node were unreachable.
	FaultUnavailable
)

type simRecord struct {
	outcome Outcome
	intent  Intent
}

// Simulator is an in-process ledger. Submissions are idempotent by token,
// issuer balances are enforced when set, and faults can be queued to
// reproduce partial failures.
type Simulator struct {
	mu       sync.Mutex
	records  map[string]simRecord
	balances map[string]decimal.Decimal
	faults   []Fault
	submits  map[string]int
	seq      int
}

func NewSimulator() *Simulator {
	return &Simulator{
		records:  map[string]simRecord{},
		balances: map[string]decimal.Decimal{},
		submits:  map[string]int{},
	}
}

// SetBalance starts tracking funds for account. Untracked accounts are unlimited.
func (s *Simulator) SetBalance(account string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = amount
}

func (s *Simulator) Balance(account string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[account]
	return b, ok
}

// InjectFaults queues faults for the following submissions, in order.
func (s *Simulator) InjectFaults(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, faults...)
}

// Submissions reports how many times token reached the simulator.
func (s *Simulator) Submissions(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[token]
}

// Applied counts tokens with confirmed effects.
func (s *Simulator) Applied(kind domain.TxKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.outcome.Status == StatusConfirmed && r.intent.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Simulator) nextFault() Fault {
	if len(s.faults) == 0 {
		return FaultNone
	}
	f := s.faults[0]
	s.faults = s.faults[1:]
	return f
}

func (s *Simulator) Submit(ctx context.Context, intent Intent, token string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits[token]++
	fault := s.nextFault()
	switch fault {
	case FaultUnavailable:
		return Outcome{}, fmt.Errorf("%w: simulated outage", domain.ErrLedgerUnavailable)
	case FaultDropped:
		return Ambiguous(token), nil
	}
	if rec, ok := s.records[token]; ok {
		if fault == FaultLostResponse {
			return Ambiguous(token), nil
		}
		return rec.outcome, nil
	}
	out := s.apply(intent, token)
	s.records[token] = simRecord{outcome: out, intent: intent}
	if fault == FaultLostResponse {
		return Ambiguous(token), nil
	}
	return out, nil
}

func (s *Simulator) QueryByToken(ctx context.Context, token string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[token]; ok {
		return rec.outcome, nil
	}
	return NotFound(), nil
}

func (s *Simulator) Close() error { return nil }

// apply runs under s.mu.
func (s *Simulator) apply(intent Intent, token string) Outcome {
	if !intent.Amount.IsPositive() && intent.Kind != domain.TxContractDeploy {
		return Rejected("malformed transaction: non-positive amount")
	}
	if intent.From == "" {
		return Rejected("malformed transaction: missing source account")
	}
	effects := map[string]string{}
	switch intent.Kind {
	case domain.TxPolicyCreate:
		// the issuer must be able to back the coverage it writes
		reserve, _ := decimal.NewFromString(intent.Memo["coverage"])
		if bal, tracked := s.balances[intent.To]; tracked {
			if bal.LessThan(reserve) {
				return Rejected("insufficient issuer funds")
			}
			s.balances[intent.To] = bal.Add(intent.Amount)
			effects["issuer_balance"] = s.balances[intent.To].String()
		}
	case domain.TxPayout:
		if bal, tracked := s.balances[intent.From]; tracked {
			if bal.LessThan(intent.Amount) {
				return Rejected("insufficient issuer funds")
			}
			s.balances[intent.From] = bal.Sub(intent.Amount)
			effects["issuer_balance"] = s.balances[intent.From].String()
		}
		if bal, tracked := s.balances[intent.To]; tracked {
			s.balances[intent.To] = bal.Add(intent.Amount)
		}
	case domain.TxContractDeploy:
	default:
		return Rejected(fmt.Sprintf("malformed transaction: unknown kind %q", intent.Kind))
	}
	s.seq++
	effects["ledger_index"] = fmt.Sprint(s.seq)
	return Confirmed(txHash(token), effects)
}

func txHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
