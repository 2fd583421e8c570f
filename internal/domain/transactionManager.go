/**************************
File: transactionManager.go
Author: Mingyi Lim
Description: This file contains the implementation of the TransactionManager interface. The TransactionManager runs strict two phase locking over the available copies of every variable. It consumes one line of commands per tick, buffers operations that cannot proceed, aborts transactions implicated by site failures and breaks deadlocks at the end of every tick.
***************************/

package domain

import (
	"fmt"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/mingyi850/repcrec2pl/internal/utils"
)

/*
	Represents the TransactionManager interface.

SubmitTick is the single entry point: it processes one line of commands as one tick.
The remaining methods are read accessors for the driver and for tests.
*/
type TransactionManager interface {
	SubmitTick(commandLine string) (TickReport, error)
	BufferedOperationCount() int
	Dump() []SiteSnapshot
	DumpSite(site int) (SiteSnapshot, error)
	DumpVariable(key int) ([]SiteSnapshot, error)
	GetTransaction(tx int) (*Transaction, bool)
	GetTransactionState(tx int) TransactionState
	WaitFors() []WaitFor
	CurrentTick() int
}

/*
	Each Transaction Manager stores

1. SiteCoordinator -> To interact with the sites
2. TransactionMap -> Map of id to every live transaction
3. finished -> Committed and aborted transactions, ids are never reused
4. buffer -> Operations waiting to be replayed
5. graph -> Wait-for edges observed this tick
6. toBeAborted -> Transactions implicated by a site failure this tick
7. pendingEnds -> end requests that could not commit yet
8. replaying -> The buffered operation being replayed, if any

It is not safe for concurrent use.
*/
type TransactionManagerImpl struct {
	SiteCoordinator SiteCoordinator
	TransactionMap  map[int]*Transaction
	finished        map[int]*Transaction
	buffer          *BufferQueue
	graph           *WaitForGraph
	toBeAborted     []int
	pendingEnds     []int
	replaying       *BufferedOperation
	time            int
	events          []Event
	logger          *zap.Logger
	metrics         *utils.Metrics
}

/* Creates and returns an instance of the TransactionManager. logger and metrics may be nil */
func CreateTransactionManager(siteCoordinator SiteCoordinator, logger *zap.Logger, metrics *utils.Metrics) *TransactionManagerImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManagerImpl{
		SiteCoordinator: siteCoordinator,
		TransactionMap:  make(map[int]*Transaction),
		finished:        make(map[int]*Transaction),
		buffer:          CreateBufferQueue(),
		graph:           CreateWaitForGraph(),
		toBeAborted:     make([]int, 0),
		pendingEnds:     make([]int, 0),
		logger:          logger,
		metrics:         metrics,
	}
}

/*
************
Transaction Manager Methods
************
*/

/*
Processes one line of commands as one tick, in this order:
 1. buffered operations from earlier ticks are replayed, oldest first
 2. the commands of the line run in order, end requests are only collected
 3. transactions implicated by a site failure this tick abort
 4. end requests run, deferred ones first
 5. deadlocks among this tick's wait-for edges are broken

A malformed line returns an error without consuming a tick. dump(i) of an unknown site returns an error once the tick is complete.
*/
func (t *TransactionManagerImpl) SubmitTick(commandLine string) (TickReport, error) {
	commands, err := ParseCommandLine(commandLine)
	if err != nil {
		return TickReport{}, errors.Trace(err)
	}
	t.time++
	t.events = make([]Event, 0)
	t.graph.Reset()
	t.logger.Debug("tick started", zap.Int("tick", t.time), zap.Int("buffered", t.buffer.Len()))

	t.replayBufferedOperations()

	var dumpErr error
	ends := make([]int, 0)
	for _, command := range commands {
		switch command.Type {
		case CmdBegin:
			t.begin(command.Transaction, ReadWrite)
		case CmdBeginRO:
			t.begin(command.Transaction, ReadOnly)
		case CmdRead:
			t.read(command.Transaction, command.Key, t.time, false)
		case CmdWrite:
			t.write(command.Transaction, command.Key, command.Value, t.time, false)
		case CmdEnd:
			ends = append(ends, command.Transaction)
		case CmdFail:
			t.fail(command.Site)
		case CmdRecover:
			t.recover(command.Site)
		case CmdDump:
			t.emit(Event{Kind: EventDumped, Snapshots: t.Dump()})
		case CmdDumpSite:
			snapshot, err := t.DumpSite(command.Site)
			if err != nil {
				if dumpErr == nil {
					dumpErr = err
				}
				continue
			}
			t.emit(Event{Kind: EventDumped, Snapshots: []SiteSnapshot{snapshot}})
		case CmdDumpVariable:
			snapshots, err := t.DumpVariable(command.Key)
			if err != nil {
				t.reject(err)
				continue
			}
			t.emit(Event{Kind: EventDumped, Snapshots: snapshots})
		default:
			panic(fmt.Sprintf("unhandled command type %d", int(command.Type)))
		}
	}

	t.abortFailedTransactions()
	t.processEnds(ends)
	t.resolveDeadlocks()

	t.metrics.SetBufferedOperations(t.buffer.Len())
	report := TickReport{Tick: t.time, Events: t.events}
	t.events = nil
	return report, dumpErr
}

/* Returns the number of operations waiting to be replayed */
func (t *TransactionManagerImpl) BufferedOperationCount() int {
	return t.buffer.Len()
}

/* Returns the buffered operations in replay order */
func (t *TransactionManagerImpl) BufferedOperations() []*BufferedOperation {
	return t.buffer.Operations()
}

func (t *TransactionManagerImpl) Dump() []SiteSnapshot {
	return t.SiteCoordinator.Dump()
}

func (t *TransactionManagerImpl) DumpSite(site int) (SiteSnapshot, error) {
	snapshot, err := t.SiteCoordinator.DumpSite(site)
	return snapshot, errors.Trace(err)
}

func (t *TransactionManagerImpl) DumpVariable(key int) ([]SiteSnapshot, error) {
	snapshots, err := t.SiteCoordinator.DumpVariable(key)
	return snapshots, errors.Trace(err)
}

/* Returns a live or terminated transaction */
func (t *TransactionManagerImpl) GetTransaction(tx int) (*Transaction, bool) {
	if transaction, exists := t.TransactionMap[tx]; exists {
		return transaction, true
	}
	transaction, exists := t.finished[tx]
	return transaction, exists
}

/* Returns the state of the transaction. A live transaction with a buffered operation is waiting */
func (t *TransactionManagerImpl) GetTransactionState(tx int) TransactionState {
	transaction, exists := t.GetTransaction(tx)
	if !exists {
		return TxUnknown
	}
	if transaction.GetState() == TxActive {
		if _, waiting := t.buffer.PendingFor(tx); waiting {
			return TxWaiting
		}
	}
	return transaction.GetState()
}

/* Returns the wait-for edges observed during the last tick */
func (t *TransactionManagerImpl) WaitFors() []WaitFor {
	return t.graph.GetEdges()
}

func (t *TransactionManagerImpl) CurrentTick() int {
	return t.time
}

/*
************************************
Private Methods for TransactionManagerImpl
**************************************
*/

func (t *TransactionManagerImpl) begin(tx int, kind TransactionKind) {
	if _, exists := t.TransactionMap[tx]; exists {
		t.reject(errors.Annotatef(ErrTransactionExists, "T%d is already running", tx))
		return
	}
	if _, exists := t.finished[tx]; exists {
		t.reject(errors.Annotatef(ErrTransactionExists, "T%d has already terminated", tx))
		return
	}
	t.TransactionMap[tx] = CreateTransaction(tx, kind, t.time)
	t.metrics.TransactionBegun(kind.String())
	t.logger.Debug("transaction began", zap.Int("tx", tx), zap.Stringer("kind", kind), zap.Int("tick", t.time))
	t.emit(Event{Kind: EventBegan, Transaction: tx})
}

/* Returns the live transaction or an error naming the command */
func (t *TransactionManagerImpl) liveTransaction(tx int, command string) (*Transaction, error) {
	transaction, exists := t.TransactionMap[tx]
	if !exists {
		return nil, errors.Annotatef(ErrTransactionNotFound, "%s: T%d", command, tx)
	}
	return transaction, nil
}

/* Reads key on behalf of tx. enqueueTime is the tick the read was first issued */
func (t *TransactionManagerImpl) read(tx int, key int, enqueueTime int, replayed bool) {
	command := fmt.Sprintf("R(T%d,x%d)", tx, key)
	transaction, err := t.liveTransaction(tx, command)
	if err != nil {
		t.reject(err)
		return
	}
	if !t.SiteCoordinator.IsValidKey(key) {
		t.reject(errors.Annotatef(ErrUnknownVariable, "%s", command))
		return
	}
	if transaction.IsReadOnly() {
		t.snapshotRead(transaction, key, enqueueTime, replayed)
		return
	}
	t.currentRead(transaction, key, enqueueTime, replayed)
}

/* Reads the version committed last before the transaction started */
func (t *TransactionManagerImpl) snapshotRead(transaction *Transaction, key int, enqueueTime int, replayed bool) {
	version, site, found := t.SiteCoordinator.SnapshotRead(key, transaction.GetStartTime())
	if !found {
		t.bufferOperation(transaction, VariableUnavailable, transaction.GetId(), Read, key, 0, enqueueTime, replayed)
		return
	}
	t.completeRead(transaction, site, key, version.GetValue(), replayed)
}

/* Reads the transaction's own write if it holds every write lock, otherwise the current value of key under a read lock */
func (t *TransactionManagerImpl) currentRead(transaction *Transaction, key int, enqueueTime int, replayed bool) {
	tx := transaction.GetId()
	if t.SiteCoordinator.HoldsWriteLockEverywhere(key, tx) {
		site := t.SiteCoordinator.GetActiveSitesForKey(key)[0]
		t.completeRead(transaction, site, key, t.SiteCoordinator.ReadCurrent(site, key), replayed)
		return
	}
	if ahead, exists := t.buffer.LatestConflicting(key, tx, true); exists {
		t.bufferOperation(transaction, TransactionBlocked, ahead.GetTransaction(), Read, key, 0, enqueueTime, replayed)
		return
	}
	if len(t.SiteCoordinator.GetActiveSitesForKey(key)) == 0 {
		t.bufferOperation(transaction, VariableUnavailable, tx, Read, key, 0, enqueueTime, replayed)
		return
	}
	if holder, blocked := t.SiteCoordinator.FindConflictingLock(key, tx, ReadLock); blocked {
		t.bufferOperation(transaction, TransactionBlocked, holder, Read, key, 0, enqueueTime, replayed)
		return
	}
	site, readable := t.SiteCoordinator.FirstReadableSite(key)
	if !readable {
		t.bufferOperation(transaction, VariableUnavailable, tx, Read, key, 0, enqueueTime, replayed)
		return
	}
	t.SiteCoordinator.AcquireReadLock(site, key, tx)
	t.completeRead(transaction, site, key, t.SiteCoordinator.ReadCurrent(site, key), replayed)
}

func (t *TransactionManagerImpl) completeRead(transaction *Transaction, site int, key int, value int, replayed bool) {
	transaction.appendOperation(Operation{operationType: Read, site: site, key: key, value: value, time: t.time})
	t.SiteCoordinator.LogOperation(site, transaction.GetId(), transaction.GetKind())
	t.logger.Debug("read",
		zap.Int("tx", transaction.GetId()), zap.Int("key", key), zap.Int("value", value),
		zap.Int("site", site), zap.Bool("replayed", replayed))
	t.emit(Event{Kind: EventRead, Transaction: transaction.GetId(), Key: key, Value: value, Site: site, Replayed: replayed})
}

/* Writes value to every up copy of key on behalf of tx. enqueueTime is the tick the write was first issued */
func (t *TransactionManagerImpl) write(tx int, key int, value int, enqueueTime int, replayed bool) {
	command := fmt.Sprintf("W(T%d,x%d,%d)", tx, key, value)
	transaction, err := t.liveTransaction(tx, command)
	if err != nil {
		t.reject(err)
		return
	}
	if transaction.IsReadOnly() {
		t.reject(errors.Annotatef(ErrReadOnlyWrite, "%s", command))
		return
	}
	if !t.SiteCoordinator.IsValidKey(key) {
		t.reject(errors.Annotatef(ErrUnknownVariable, "%s", command))
		return
	}
	if !t.SiteCoordinator.HoldsWriteLockEverywhere(key, tx) {
		if ahead, exists := t.buffer.LatestConflicting(key, tx, false); exists {
			t.bufferOperation(transaction, TransactionBlocked, ahead.GetTransaction(), Write, key, value, enqueueTime, replayed)
			return
		}
		if len(t.SiteCoordinator.GetActiveSitesForKey(key)) == 0 {
			t.bufferOperation(transaction, VariableUnavailable, tx, Write, key, value, enqueueTime, replayed)
			return
		}
		if holder, blocked := t.SiteCoordinator.FindConflictingLock(key, tx, WriteLock); blocked {
			t.bufferOperation(transaction, TransactionBlocked, holder, Write, key, value, enqueueTime, replayed)
			return
		}
		t.SiteCoordinator.AcquireWriteLocks(key, tx)
	}
	sites := t.SiteCoordinator.WriteUncommitted(key, tx, value)
	for _, site := range sites {
		transaction.appendOperation(Operation{operationType: Write, site: site, key: key, value: value, time: t.time})
		t.SiteCoordinator.LogOperation(site, tx, transaction.GetKind())
	}
	t.logger.Debug("write",
		zap.Int("tx", tx), zap.Int("key", key), zap.Int("value", value),
		zap.Ints("sites", sites), zap.Bool("replayed", replayed))
	t.emit(Event{Kind: EventWrote, Transaction: tx, Key: key, Value: value, Sites: sites, Replayed: replayed})
}

/*
Queues an operation for replay. A blocked operation also records a wait-for edge.
A replayed operation whose cause or blocker differs from its last buffering is reported as changed.
*/
func (t *TransactionManagerImpl) bufferOperation(transaction *Transaction, cause BufferCause, blockedBy int, operationType OperationType, key int, value int, enqueueTime int, replayed bool) {
	tx := transaction.GetId()
	if cause == VariableUnavailable {
		blockedBy = tx
	}
	t.buffer.Push(&BufferedOperation{
		cause:                 cause,
		transactionId:         tx,
		blockingTransactionId: blockedBy,
		key:                   key,
		kind:                  transaction.GetKind(),
		operationType:         operationType,
		value:                 value,
		enqueueTime:           enqueueTime,
	})
	if cause == TransactionBlocked {
		t.graph.AddEdge(tx, blockedBy, transaction.GetStartTime())
	}
	changed := false
	if !replayed {
		t.metrics.OperationBuffered(cause.String())
	} else if t.replaying != nil {
		changed = t.replaying.GetCause() != cause || t.replaying.GetBlockingTransaction() != blockedBy
	}
	t.logger.Debug("operation buffered",
		zap.Int("tx", tx), zap.String("op", string(operationType)), zap.Int("key", key),
		zap.Stringer("cause", cause), zap.Int("blockedBy", blockedBy), zap.Int("enqueued", enqueueTime))
	t.emit(Event{Kind: EventBuffered, Transaction: tx, Key: key, Value: value, BlockedBy: blockedBy, Cause: cause, Replayed: replayed, Changed: changed})
}

/* Replays every buffered operation once, oldest first. Operations still blocked go back in the queue with their original time */
func (t *TransactionManagerImpl) replayBufferedOperations() {
	for _, operation := range t.buffer.Drain() {
		if _, live := t.TransactionMap[operation.GetTransaction()]; !live {
			panic(fmt.Sprintf("buffered operation of terminated T%d", operation.GetTransaction()))
		}
		t.logger.Debug("replaying operation",
			zap.Int("tx", operation.GetTransaction()), zap.Stringer("kind", operation.GetKind()),
			zap.String("op", string(operation.GetType())), zap.Int("key", operation.GetKey()))
		t.replaying = operation
		switch operation.GetType() {
		case Read:
			t.read(operation.GetTransaction(), operation.GetKey(), operation.GetEnqueueTime(), true)
		case Write:
			t.write(operation.GetTransaction(), operation.GetKey(), operation.GetValue(), operation.GetEnqueueTime(), true)
		default:
			panic(fmt.Sprintf("unhandled buffered operation type %q", operation.GetType()))
		}
	}
	t.replaying = nil
}

/* Fails the site and marks its implicated transactions for abort at the end of command processing */
func (t *TransactionManagerImpl) fail(site int) {
	implicated, err := t.SiteCoordinator.Fail(site)
	if err != nil {
		t.reject(err)
		return
	}
	for _, tx := range implicated {
		if _, live := t.TransactionMap[tx]; live && !containsId(t.toBeAborted, tx) {
			t.toBeAborted = append(t.toBeAborted, tx)
		}
	}
	t.metrics.SiteEvent("fail")
	t.logger.Info("site failed", zap.Int("site", site), zap.Int("tick", t.time), zap.Ints("implicated", implicated))
	t.emit(Event{Kind: EventSiteFailed, Site: site})
}

func (t *TransactionManagerImpl) recover(site int) {
	if err := t.SiteCoordinator.Recover(site); err != nil {
		t.reject(err)
		return
	}
	t.metrics.SiteEvent("recover")
	t.logger.Info("site recovered", zap.Int("site", site), zap.Int("tick", t.time))
	t.emit(Event{Kind: EventSiteRecovered, Site: site})
}

func (t *TransactionManagerImpl) abortFailedTransactions() {
	implicated := t.toBeAborted
	t.toBeAborted = make([]int, 0)
	for _, tx := range implicated {
		if _, live := t.TransactionMap[tx]; live {
			t.abortTransaction(tx, AbortSiteFailure)
		}
	}
}

/* Runs deferred end requests, then the new ones in command order. Requests that cannot commit yet are kept for the next tick */
func (t *TransactionManagerImpl) processEnds(ends []int) {
	deferred := t.pendingEnds
	t.pendingEnds = make([]int, 0)
	for _, tx := range deferred {
		t.endTransaction(tx, true)
	}
	for _, tx := range ends {
		if containsId(deferred, tx) || containsId(t.pendingEnds, tx) {
			continue
		}
		t.endTransaction(tx, false)
	}
}

func (t *TransactionManagerImpl) endTransaction(tx int, retry bool) {
	transaction, err := t.liveTransaction(tx, fmt.Sprintf("end(T%d)", tx))
	if err != nil {
		t.reject(err)
		return
	}
	if reason, ready := t.canCommit(transaction); !ready {
		t.pendingEnds = append(t.pendingEnds, tx)
		t.logger.Debug("commit deferred", zap.Int("tx", tx), zap.String("reason", reason), zap.Bool("retry", retry))
		if !retry {
			t.emit(Event{Kind: EventCommitDeferred, Transaction: tx, Reason: reason})
		}
		return
	}
	t.commitTransaction(transaction)
}

/* Returns why the transaction cannot commit this tick */
func (t *TransactionManagerImpl) canCommit(transaction *Transaction) (string, bool) {
	if pending, waiting := t.buffer.PendingFor(transaction.GetId()); waiting {
		return fmt.Sprintf("waiting on buffered %s of x%d", pending.GetType(), pending.GetKey()), false
	}
	if transaction.IsReadOnly() {
		for _, site := range transaction.GetTouchedSites() {
			if !t.SiteCoordinator.IsSiteUp(site) {
				return fmt.Sprintf("site %d is down", site), false
			}
		}
	}
	return "", true
}

func (t *TransactionManagerImpl) commitTransaction(transaction *Transaction) {
	tx := transaction.GetId()
	writes := make([]CommittedWrite, 0)
	if !transaction.IsReadOnly() {
		writes = t.SiteCoordinator.CommitTransaction(tx, t.time)
	}
	t.graph.RemoveTransaction(tx)
	t.finishTransaction(transaction, TxCommitted)
	t.metrics.TransactionCommitted(transaction.GetKind().String())
	t.logger.Info("transaction committed", zap.Int("tx", tx), zap.Int("tick", t.time), zap.Int("writes", len(writes)))
	t.emit(Event{Kind: EventCommitted, Transaction: tx})
}

/* Aborts a live transaction. Its buffered operations, wait-for edges and locks are dropped and uncommitted writes are abandoned */
func (t *TransactionManagerImpl) abortTransaction(tx int, reason AbortReason) {
	transaction, exists := t.TransactionMap[tx]
	if !exists {
		panic(fmt.Sprintf("abort of T%d which is not live", tx))
	}
	removed := t.buffer.RemoveTransaction(tx)
	t.graph.RemoveTransaction(tx)
	t.SiteCoordinator.ReleaseTransaction(tx)
	t.pendingEnds = removeId(t.pendingEnds, tx)
	t.toBeAborted = removeId(t.toBeAborted, tx)
	t.finishTransaction(transaction, TxAborted)
	t.metrics.TransactionAborted(string(reason))
	t.logger.Info("transaction aborted",
		zap.Int("tx", tx), zap.String("reason", string(reason)), zap.Int("tick", t.time), zap.Int("droppedOperations", removed))
	t.emit(Event{Kind: EventAborted, Transaction: tx, Reason: string(reason)})
}

/* Aborts the youngest transaction of every cycle among this tick's wait-for edges */
func (t *TransactionManagerImpl) resolveDeadlocks() {
	victims := t.graph.FindDeadlockVictims()
	for _, victim := range victims {
		if _, live := t.TransactionMap[victim]; !live {
			continue
		}
		t.metrics.DeadlockResolved()
		t.logger.Info("deadlock detected", zap.Int("victim", victim), zap.Int("tick", t.time))
		t.emit(Event{Kind: EventDeadlock, Transaction: victim})
		t.abortTransaction(victim, AbortDeadlock)
	}
}

func (t *TransactionManagerImpl) finishTransaction(transaction *Transaction, state TransactionState) {
	transaction.terminate(state)
	delete(t.TransactionMap, transaction.GetId())
	t.finished[transaction.GetId()] = transaction
}

func (t *TransactionManagerImpl) reject(err error) {
	t.logger.Debug("command rejected", zap.Error(err), zap.Int("tick", t.time))
	t.emit(Event{Kind: EventRejected, Reason: err.Error()})
}

func (t *TransactionManagerImpl) emit(event Event) {
	t.events = append(t.events, event)
}

/*
*************
Utility Functions
*************
*/
func containsId(ids []int, id int) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func removeId(ids []int, id int) []int {
	result := make([]int, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			result = append(result, existing)
		}
	}
	return result
}
