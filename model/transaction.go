// Package model holds the decoded transaction stream and the typed rows
// produced from it.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transaction types as reported by the upstream stream.
const (
	TransactionTypeUser            = "user"
	TransactionTypeGenesis         = "genesis"
	TransactionTypeBlockMetadata   = "block_metadata"
	TransactionTypeStateCheckpoint = "state_checkpoint"
	TransactionTypeValidator       = "validator"
	TransactionTypeBlockEpilogue   = "block_epilogue"
)

// Transaction is one decoded transaction together with its write set and events.
type Transaction struct {
	Version      uint64    `json:"version"`
	BlockHeight  uint64    `json:"block_height"`
	Timestamp    time.Time `json:"timestamp"`
	Type         string    `json:"type"`
	Success      bool      `json:"success"`
	Sender       string    `json:"sender,omitempty"`
	GasUsed      uint64    `json:"gas_used,omitempty"`
	GasUnitPrice uint64    `json:"gas_unit_price,omitempty"`
	Changes      Changes   `json:"changes"`
	Events       []Event   `json:"events"`
}

// Event is an emitted Move event.
type Event struct {
	TypeStr        string          `json:"type_str"`
	AccountAddress string          `json:"account_address"`
	SequenceNumber uint64          `json:"sequence_number"`
	Data           json.RawMessage `json:"data"`
}

// TransactionBatch is a contiguous range of transactions handled as one
// pipeline unit.
type TransactionBatch struct {
	Transactions   []Transaction
	StartVersion   uint64
	EndVersion     uint64
	StartTimestamp time.Time
	EndTimestamp   time.Time
}

// NewTransactionBatch builds a batch from an ordered slice of transactions and
// checks that versions are contiguous.
func NewTransactionBatch(txns []Transaction) (TransactionBatch, error) {
	if len(txns) == 0 {
		return TransactionBatch{}, fmt.Errorf("empty transaction batch")
	}
	batch := TransactionBatch{
		Transactions:   txns,
		StartVersion:   txns[0].Version,
		EndVersion:     txns[len(txns)-1].Version,
		StartTimestamp: txns[0].Timestamp,
		EndTimestamp:   txns[len(txns)-1].Timestamp,
	}
	if err := batch.Validate(); err != nil {
		return TransactionBatch{}, err
	}
	return batch, nil
}

// Validate checks end-start+1 == count and that every version follows the
// previous one.
func (b TransactionBatch) Validate() error {
	if b.EndVersion < b.StartVersion {
		return fmt.Errorf("batch end version %d before start version %d", b.EndVersion, b.StartVersion)
	}
	if got, want := uint64(len(b.Transactions)), b.EndVersion-b.StartVersion+1; got != want {
		return fmt.Errorf("batch %d-%d has %d transactions, expected %d", b.StartVersion, b.EndVersion, got, want)
	}
	for i, txn := range b.Transactions {
		if txn.Version != b.StartVersion+uint64(i) {
			return fmt.Errorf("batch %d-%d is not contiguous at index %d (version %d)",
				b.StartVersion, b.EndVersion, i, txn.Version)
		}
	}
	return nil
}

// Len returns the number of transactions in the batch.
func (b TransactionBatch) Len() int {
	return len(b.Transactions)
}
