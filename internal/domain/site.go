/**************************
File: site.go
Author: Mingyi Lim
Description: This file contains the implementation of a single Site. A site hosts a fixed set of variable copies, its own lock table, and a log of the transactions that operated against it since its last failure.
***************************/

package domain

import (
	"fmt"
	"sort"

	"github.com/mingyi850/repcrec2pl/internal/utils"
)

/*
****
Custom Structs
****
*/

/* Committed value of a single variable copy, as shown by dump */
type VariableValue struct {
	Key   int
	Value int
}

/* Snapshot of the committed state of a site */
type SiteSnapshot struct {
	Site   int
	Up     bool
	Values []VariableValue
}

/* Returns a single line representing the snapshot */
func (s SiteSnapshot) String() string {
	keys := make([]int, len(s.Values))
	values := make([]int, len(s.Values))
	for i, v := range s.Values {
		keys[i] = v.Key
		values[i] = v.Value
	}
	return utils.FormatSiteDump(s.Site, s.Up, keys, values)
}

type Site struct {
	id           int
	up           bool
	keys         []int
	variables    map[int]*Variable
	lockTable    *LockTable
	operationLog map[int]TransactionKind
}

/* Creates and returns a site hosting copies of the given keys */
func CreateSite(siteId int, keys []int) *Site {
	sorted := make([]int, len(keys))
	copy(sorted, keys)
	sort.Ints(sorted)
	variables := make(map[int]*Variable)
	for _, key := range sorted {
		variables[key] = CreateVariable(key)
	}
	return &Site{
		id:           siteId,
		up:           true,
		keys:         sorted,
		variables:    variables,
		lockTable:    CreateLockTable(siteId),
		operationLog: make(map[int]TransactionKind),
	}
}

func (s *Site) GetId() int {
	return s.id
}

func (s *Site) IsUp() bool {
	return s.up
}

/* Returns the sorted keys hosted at this site */
func (s *Site) GetKeys() []int {
	result := make([]int, len(s.keys))
	copy(result, s.keys)
	return result
}

func (s *Site) HasVariable(key int) bool {
	_, exists := s.variables[key]
	return exists
}

/* Returns the copy of key at this site. Panics if the site does not host it */
func (s *Site) GetVariable(key int) *Variable {
	variable, exists := s.variables[key]
	if !exists {
		panic(fmt.Sprintf("site %d does not host x%d", s.id, key))
	}
	return variable
}

func (s *Site) GetLockTable() *LockTable {
	return s.lockTable
}

/* Returns a snapshot of every committed value at this site */
func (s *Site) Dump() SiteSnapshot {
	values := make([]VariableValue, 0, len(s.keys))
	for _, key := range s.keys {
		values = append(values, VariableValue{Key: key, Value: s.variables[key].GetCommittedValue()})
	}
	return SiteSnapshot{Site: s.id, Up: s.up, Values: values}
}

/* Records that the transaction operated against this site */
func (s *Site) LogOperation(tx int, kind TransactionKind) {
	utils.AddIfAbsent(s.operationLog, tx, kind)
}

/* Returns the sorted ids of the transactions that operated against this site since its last failure */
func (s *Site) GetLoggedTransactions() []int {
	return utils.SortedKeys(s.operationLog)
}

/*
Returns the transactions that must abort if this site fails:
every lock holder and every read-write transaction that operated against the site.
*/
func (s *Site) TransactionsToAbort() []int {
	implicated := make(map[int]bool)
	for _, tx := range s.lockTable.Holders() {
		implicated[tx] = true
	}
	for tx, kind := range s.operationLog {
		if kind == ReadWrite {
			implicated[tx] = true
		}
	}
	return utils.SortedKeys(implicated)
}

/* Removes a terminated transaction from the operation log */
func (s *Site) Forget(tx int) {
	delete(s.operationLog, tx)
}

/*
*******
Private Methods
*******
*/

/* Erases the lock table and the operation log. Uncommitted values are lost */
func (s *Site) fail() {
	s.up = false
	s.lockTable.Clear()
	s.operationLog = make(map[int]TransactionKind)
	for _, variable := range s.variables {
		variable.discardUncommitted()
	}
}

/* Replicated copies stay unreadable until their next commit */
func (s *Site) recover() {
	s.up = true
	for _, variable := range s.variables {
		variable.markRecovered()
	}
}
