/**************************
File: bufferQueue.go
Author: Mingyi Lim
Description: This file contains the queue of operations that could not complete when they were issued. Operations are replayed at the start of every tick, oldest first, and keep their original enqueue time when they block again.
***************************/

package domain

import (
	"fmt"

	"github.com/google/btree"
)

/*
*********
Consts and Enums
*********
*/
type BufferCause int

const (
	VariableUnavailable BufferCause = iota
	TransactionBlocked
)

func (c BufferCause) String() string {
	switch c {
	case VariableUnavailable:
		return "variable unavailable"
	case TransactionBlocked:
		return "transaction blocked"
	}
	panic(fmt.Sprintf("unknown buffer cause %d", int(c)))
}

/*
********
Custom Structs
*********
*/

/*
An operation waiting to be replayed. For VariableUnavailable, blockingTransactionId is the waiter itself and carries no meaning.
*/
type BufferedOperation struct {
	cause                 BufferCause
	transactionId         int
	blockingTransactionId int
	key                   int
	kind                  TransactionKind
	operationType         OperationType
	value                 int
	enqueueTime           int
	seq                   uint64
}

func (b *BufferedOperation) GetCause() BufferCause {
	return b.cause
}

func (b *BufferedOperation) GetTransaction() int {
	return b.transactionId
}

func (b *BufferedOperation) GetBlockingTransaction() int {
	return b.blockingTransactionId
}

func (b *BufferedOperation) GetKey() int {
	return b.key
}

func (b *BufferedOperation) GetKind() TransactionKind {
	return b.kind
}

func (b *BufferedOperation) GetType() OperationType {
	return b.operationType
}

func (b *BufferedOperation) GetValue() int {
	return b.value
}

func (b *BufferedOperation) GetEnqueueTime() int {
	return b.enqueueTime
}

/* Ordered by enqueue time, then by insertion */
type BufferQueue struct {
	tree    *btree.BTreeG[*BufferedOperation]
	nextSeq uint64
}

/* Creates and returns an empty BufferQueue */
func CreateBufferQueue() *BufferQueue {
	return &BufferQueue{
		tree: btree.NewG(8, func(a, b *BufferedOperation) bool {
			if a.enqueueTime != b.enqueueTime {
				return a.enqueueTime < b.enqueueTime
			}
			return a.seq < b.seq
		}),
	}
}

/* Adds an operation behind every operation with the same or an earlier enqueue time */
func (q *BufferQueue) Push(operation *BufferedOperation) {
	operation.seq = q.nextSeq
	q.nextSeq++
	q.tree.ReplaceOrInsert(operation)
}

/* Returns the queued operations in replay order */
func (q *BufferQueue) Operations() []*BufferedOperation {
	result := make([]*BufferedOperation, 0, q.tree.Len())
	q.tree.Ascend(func(item *BufferedOperation) bool {
		result = append(result, item)
		return true
	})
	return result
}

/* Removes and returns every queued operation in replay order */
func (q *BufferQueue) Drain() []*BufferedOperation {
	result := q.Operations()
	q.tree.Clear(false)
	return result
}

func (q *BufferQueue) Len() int {
	return q.tree.Len()
}

/* Returns the most recently queued operation of the transaction */
func (q *BufferQueue) PendingFor(tx int) (*BufferedOperation, bool) {
	var found *BufferedOperation
	q.tree.Descend(func(item *BufferedOperation) bool {
		if item.transactionId == tx {
			found = item
			return false
		}
		return true
	})
	return found, found != nil
}

/*
Returns the most recently queued operation on key by another transaction that an operation of tx has to wait behind.
With writesOnly set only buffered writes are considered.
*/
func (q *BufferQueue) LatestConflicting(key int, tx int, writesOnly bool) (*BufferedOperation, bool) {
	var found *BufferedOperation
	q.tree.Descend(func(item *BufferedOperation) bool {
		if item.key != key || item.transactionId == tx {
			return true
		}
		if writesOnly && item.operationType != Write {
			return true
		}
		found = item
		return false
	})
	return found, found != nil
}

/* Removes every operation of the transaction. Returns how many were removed */
func (q *BufferQueue) RemoveTransaction(tx int) int {
	removed := make([]*BufferedOperation, 0)
	q.tree.Ascend(func(item *BufferedOperation) bool {
		if item.transactionId == tx {
			removed = append(removed, item)
		}
		return true
	})
	for _, item := range removed {
		q.tree.Delete(item)
	}
	return len(removed)
}
