/**************************
File: lockTable.go
Author: Mingyi Lim
Description: This file contains the implementation of the per-site LockTable. Read locks are shared, a write lock excludes every lock held by other transactions on the same variable.
***************************/

package domain

import (
	"fmt"
)

/*
*********
Consts and Enums
*********
*/
type LockMode int

const (
	ReadLock LockMode = iota
	WriteLock
)

func (m LockMode) String() string {
	switch m {
	case ReadLock:
		return "read"
	case WriteLock:
		return "write"
	}
	panic(fmt.Sprintf("unknown lock mode %d", int(m)))
}

/*
********
Custom Structs
*********
*/

/* A lock held by a transaction on a variable at a single site */
type Lock struct {
	siteId        int
	variableId    int
	transactionId int
	mode          LockMode
}

func (l Lock) GetSite() int {
	return l.siteId
}

func (l Lock) GetVariable() int {
	return l.variableId
}

func (l Lock) GetTransaction() int {
	return l.transactionId
}

func (l Lock) GetMode() LockMode {
	return l.mode
}

/* There is at most one lock per (variable, transaction) in a table */
type LockTable struct {
	siteId int
	locks  []Lock
}

/* Creates and returns an empty LockTable for a site */
func CreateLockTable(siteId int) *LockTable {
	return &LockTable{
		siteId: siteId,
		locks:  make([]Lock, 0),
	}
}

/* Returns true if the transaction holds a lock of the given mode on the variable */
func (l *LockTable) HasLock(key int, tx int, mode LockMode) bool {
	for _, lock := range l.locks {
		if lock.variableId == key && lock.transactionId == tx && lock.mode == mode {
			return true
		}
	}
	return false
}

/* Returns the lock the transaction holds on the variable in any mode */
func (l *LockTable) GetLock(key int, tx int) (Lock, bool) {
	for _, lock := range l.locks {
		if lock.variableId == key && lock.transactionId == tx {
			return lock, true
		}
	}
	return Lock{}, false
}

/* Returns a copy of all locks on the variable */
func (l *LockTable) LocksOn(key int) []Lock {
	result := make([]Lock, 0)
	for _, lock := range l.locks {
		if lock.variableId == key {
			result = append(result, lock)
		}
	}
	return result
}

/* Returns a copy of all locks held by the transaction */
func (l *LockTable) LocksHeldBy(tx int) []Lock {
	result := make([]Lock, 0)
	for _, lock := range l.locks {
		if lock.transactionId == tx {
			result = append(result, lock)
		}
	}
	return result
}

/* Adds a lock. Panics if the transaction already holds a lock on the variable */
func (l *LockTable) AddLock(key int, tx int, mode LockMode) {
	if _, exists := l.GetLock(key, tx); exists {
		panic(fmt.Sprintf("site %d: T%d already holds a lock on x%d", l.siteId, tx, key))
	}
	l.locks = append(l.locks, Lock{siteId: l.siteId, variableId: key, transactionId: tx, mode: mode})
}

/* Upgrades the transaction's read lock to a write lock. The read lock must be the only lock on the variable */
func (l *LockTable) UpgradeToWrite(key int, tx int) {
	onVariable := l.LocksOn(key)
	if len(onVariable) != 1 || onVariable[0].transactionId != tx {
		panic(fmt.Sprintf("site %d: T%d cannot upgrade its lock on x%d, %d locks present", l.siteId, tx, key, len(onVariable)))
	}
	for i := range l.locks {
		if l.locks[i].variableId == key && l.locks[i].transactionId == tx {
			l.locks[i].mode = WriteLock
			return
		}
	}
}

/* Removes the given lock if present */
func (l *LockTable) RemoveLock(lock Lock) {
	for i, held := range l.locks {
		if held.variableId == lock.variableId && held.transactionId == lock.transactionId && held.mode == lock.mode {
			l.locks = append(l.locks[:i], l.locks[i+1:]...)
			return
		}
	}
}

/* Returns true if the transaction holds a write lock on any variable in this table */
func (l *LockTable) HoldsAnyWriteLock(tx int) bool {
	for _, lock := range l.locks {
		if lock.transactionId == tx && lock.mode == WriteLock {
			return true
		}
	}
	return false
}

/*
Returns the first other transaction whose lock prevents tx from taking a lock of the given mode on the variable.
A read conflicts with another transaction's write lock, a write conflicts with any lock of another transaction.
*/
func (l *LockTable) FindConflict(key int, tx int, mode LockMode) (int, bool) {
	for _, lock := range l.locks {
		if lock.variableId != key || lock.transactionId == tx {
			continue
		}
		if mode == WriteLock || lock.mode == WriteLock {
			return lock.transactionId, true
		}
	}
	return 0, false
}

/* Returns the ids of all transactions holding a lock in this table, in order of acquisition */
func (l *LockTable) Holders() []int {
	seen := make(map[int]bool)
	result := make([]int, 0)
	for _, lock := range l.locks {
		if !seen[lock.transactionId] {
			seen[lock.transactionId] = true
			result = append(result, lock.transactionId)
		}
	}
	return result
}

func (l *LockTable) Len() int {
	return len(l.locks)
}

/* Erases the table, used when the site fails */
func (l *LockTable) Clear() {
	l.locks = make([]Lock, 0)
}
