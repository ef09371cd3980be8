package hydradash

import "fmt"

// NodeState is the last-known snapshot of a head as reported by a node.
type NodeState struct {
	HeadID               string        `json:"headId,omitempty"`
	ContestationDeadline *int64        `json:"contestationDeadline,omitempty"`
	ContestationPeriod   *int64        `json:"contestationPeriod,omitempty"`
	Parties              []string      `json:"parties"`
	UTxO                 []Transaction `json:"utxo"`
	SnapshotNumber       uint64        `json:"snapshotNumber"`
	IsInitialized        bool          `json:"isInitialized"`
	IsOpen               bool          `json:"isOpen"`
	IsClosed             bool          `json:"isClosed"`
}

// Transaction is a transaction-like record of a head's committed outputs.
type Transaction struct {
	ID               string            `json:"id"`
	Inputs           []TxInput         `json:"inputs"`
	Outputs          []TxOutput        `json:"outputs"`
	Fee              int64             `json:"fee"`
	ValidityInterval *ValidityInterval `json:"validityInterval,omitempty"`
}

type TxInput struct {
	TxID  string `json:"txId"`
	Index int    `json:"index"`
}

type TxOutput struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
	Datum   string `json:"datum,omitempty"`
}

type ValidityInterval struct {
	InvalidBefore    *int64 `json:"invalidBefore,omitempty"`
	InvalidHereafter *int64 `json:"invalidHereafter,omitempty"`
}

// UninitializedState is the state of a node before anything was fetched.
func UninitializedState() NodeState {
	return NodeState{
		Parties: []string{},
		UTxO:    []Transaction{},
	}
}

// normalize replaces nil collections so a fetched state compares equal to
// one decoded from the same payload.
func (s NodeState) normalize() NodeState {
	if s.Parties == nil {
		s.Parties = []string{}
	}
	if s.UTxO == nil {
		s.UTxO = []Transaction{}
	}
	return s
}

// Phase is the lifecycle phase of a head.
type Phase string

const (
	PhaseIdle        Phase = "Idle"
	PhaseInitialized Phase = "Initialized"
	PhaseOpen        Phase = "Open"
	PhaseClosed      Phase = "Closed"
)

// Phase derives the head phase from the three lifecycle flags. Combinations
// that no head can be in return ErrPhaseAnomaly; the state itself is left
// untouched since the node is authoritative.
func (s NodeState) Phase() (Phase, error) {
	switch {
	case !s.IsInitialized && !s.IsOpen && !s.IsClosed:
		return PhaseIdle, nil
	case !s.IsInitialized:
		return "", fmt.Errorf("%w: open=%t closed=%t before initialization", ErrPhaseAnomaly, s.IsOpen, s.IsClosed)
	case s.IsOpen && s.IsClosed:
		return "", fmt.Errorf("%w: head is both open and closed", ErrPhaseAnomaly)
	case s.IsOpen:
		return PhaseOpen, nil
	case s.IsClosed:
		return PhaseClosed, nil
	default:
		return PhaseInitialized, nil
	}
}
