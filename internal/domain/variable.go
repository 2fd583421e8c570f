/**************************
File: variable.go
Author: Mingyi Lim
Description: This file contains the implementation of a single copy of a variable at a site. Each copy keeps every committed version ordered by commit time, plus the scratch value written by the current write-lock holder.
***************************/

package domain

import (
	"fmt"

	"github.com/tidwall/btree"
)

/*
Represents value of a key at this site and the time it was committed
*/
type HistoricalValue struct {
	value int
	time  int
}

func (h HistoricalValue) GetValue() int {
	return h.value
}

func (h HistoricalValue) GetTime() int {
	return h.time
}

/*
A copy of variable x<id>. history is ordered by commit time and never empty.
uncommittedValue equals committedValue unless a write-lock holder has written to this copy.
*/
type Variable struct {
	id               int
	history          *btree.BTreeG[HistoricalValue]
	committedValue   int
	uncommittedValue int
	availableForRead bool
	replicated       bool
}

/* Creates a copy of x<id> holding its initial value 10*id, committed at time 0 */
func CreateVariable(id int) *Variable {
	history := btree.NewBTreeG(func(a, b HistoricalValue) bool {
		return a.time < b.time
	})
	initial := HistoricalValue{value: id * 10, time: 0}
	history.Set(initial)
	return &Variable{
		id:               id,
		history:          history,
		committedValue:   initial.value,
		uncommittedValue: initial.value,
		availableForRead: true,
		replicated:       IsReplicatedKey(id),
	}
}

/* Even variables are replicated at every site */
func IsReplicatedKey(key int) bool {
	return key%2 == 0
}

func (v *Variable) GetId() int {
	return v.id
}

func (v *Variable) IsReplicated() bool {
	return v.replicated
}

func (v *Variable) IsAvailableForRead() bool {
	return v.availableForRead
}

func (v *Variable) GetCommittedValue() int {
	return v.committedValue
}

func (v *Variable) GetUncommittedValue() int {
	return v.uncommittedValue
}

/* Returns the latest committed version */
func (v *Variable) GetLastCommitted() HistoricalValue {
	last, ok := v.history.Max()
	if !ok {
		panic(fmt.Sprintf("x%d has an empty history", v.id))
	}
	return last
}

/* Returns the version with the greatest commit time strictly before the given time */
func (v *Variable) ReadBefore(time int) (HistoricalValue, bool) {
	var found HistoricalValue
	exists := false
	v.history.Descend(HistoricalValue{time: time - 1}, func(item HistoricalValue) bool {
		found = item
		exists = true
		return false
	})
	return found, exists
}

/* Returns all committed versions in commit order */
func (v *Variable) GetHistory() []HistoricalValue {
	result := make([]HistoricalValue, 0, v.history.Len())
	v.history.Scan(func(item HistoricalValue) bool {
		result = append(result, item)
		return true
	})
	return result
}

/*
*******
Private Methods
*******
*/
func (v *Variable) setUncommitted(value int) {
	v.uncommittedValue = value
}

func (v *Variable) discardUncommitted() {
	v.uncommittedValue = v.committedValue
}

/* Commits the scratch value at the given time. The copy becomes current again, so it is readable */
func (v *Variable) commit(time int) HistoricalValue {
	last := v.GetLastCommitted()
	if time <= last.time {
		panic(fmt.Sprintf("x%d: commit at time %d does not follow last commit at %d", v.id, time, last.time))
	}
	entry := HistoricalValue{value: v.uncommittedValue, time: time}
	v.history.Set(entry)
	v.committedValue = entry.value
	v.availableForRead = true
	return entry
}

func (v *Variable) markRecovered() {
	v.availableForRead = !v.replicated
	v.discardUncommitted()
}
