/**************************
File: transaction.go
Author: Mingyi Lim
Description: This file contains the Transaction struct and the enums describing transactions and their operations.
***************************/

package domain

import (
	"fmt"
	"sort"
)

/*
*********
Consts and Enums
*********
*/
type TransactionKind int

const (
	ReadWrite TransactionKind = iota
	ReadOnly
)

func (k TransactionKind) String() string {
	switch k {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	}
	panic(fmt.Sprintf("unknown transaction kind %d", int(k)))
}

type OperationType string

const (
	Write OperationType = "write"
	Read  OperationType = "read"
)

type TransactionState string

const (
	TxActive    TransactionState = "active"
	TxWaiting   TransactionState = "waiting"
	TxAborted   TransactionState = "aborted"
	TxCommitted TransactionState = "committed"
	TxUnknown   TransactionState = "unknown"
)

/*
********
Custom Structs
*********
*/

/* Operation represents a single completed read or write of a transaction against one site */
type Operation struct {
	operationType OperationType
	site          int
	key           int
	value         int
	time          int
}

func (o Operation) GetType() OperationType {
	return o.operationType
}

func (o Operation) GetSite() int {
	return o.site
}

func (o Operation) GetKey() int {
	return o.key
}

func (o Operation) GetValue() int {
	return o.value
}

func (o Operation) GetTime() int {
	return o.time
}

/*
Represents a single transaction. The state is Active until the transaction terminates.
Whether an active transaction is waiting is derived from the buffer queue, not stored here.
*/
type Transaction struct {
	id        int
	kind      TransactionKind
	startTime int
	history   []Operation
	state     TransactionState
}

/* Creates and returns an active transaction */
func CreateTransaction(id int, kind TransactionKind, startTime int) *Transaction {
	return &Transaction{
		id:        id,
		kind:      kind,
		startTime: startTime,
		history:   make([]Operation, 0),
		state:     TxActive,
	}
}

func (tx *Transaction) GetId() int {
	return tx.id
}

func (tx *Transaction) GetKind() TransactionKind {
	return tx.kind
}

func (tx *Transaction) IsReadOnly() bool {
	return tx.kind == ReadOnly
}

func (tx *Transaction) GetStartTime() int {
	return tx.startTime
}

func (tx *Transaction) GetState() TransactionState {
	return tx.state
}

/* Returns a copy of the completed operations, in execution order */
func (tx *Transaction) GetHistory() []Operation {
	result := make([]Operation, len(tx.history))
	copy(result, tx.history)
	return result
}

/* Returns the sorted ids of every site the transaction has operated against */
func (tx *Transaction) GetTouchedSites() []int {
	sites := make(map[int]bool)
	for _, operation := range tx.history {
		sites[operation.site] = true
	}
	result := make([]int, 0, len(sites))
	for site := range sites {
		result = append(result, site)
	}
	sort.Ints(result)
	return result
}

/*
*************
Private methods
*************
*/
func (tx *Transaction) appendOperation(operation Operation) {
	tx.history = append(tx.history, operation)
}

func (tx *Transaction) terminate(state TransactionState) {
	if tx.state != TxActive {
		panic(fmt.Sprintf("T%d is already %s", tx.id, tx.state))
	}
	tx.state = state
}
