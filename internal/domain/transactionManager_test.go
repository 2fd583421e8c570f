package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mingyi850/repcrec2pl/internal/utils"
)

func createTestManager(t *testing.T) *TransactionManagerImpl {
	return CreateTransactionManager(CreateSiteCoordinator(10, 20), zaptest.NewLogger(t), nil)
}

func submit(t *testing.T, tm *TransactionManagerImpl, line string) TickReport {
	t.Helper()
	report, err := tm.SubmitTick(line)
	require.NoError(t, err, line)
	return report
}

/* A write lock never coexists with another transaction's lock on the same copy */
func assertLockExclusivity(t *testing.T, tm *TransactionManagerImpl) {
	t.Helper()
	for siteId := 1; siteId <= 10; siteId++ {
		site, _ := tm.SiteCoordinator.GetSite(siteId)
		for _, key := range site.GetKeys() {
			locks := site.GetLockTable().LocksOn(key)
			for _, lock := range locks {
				if lock.GetMode() != WriteLock {
					continue
				}
				for _, other := range locks {
					assert.Equal(t, lock.GetTransaction(), other.GetTransaction(), "site %d x%d", siteId, key)
				}
			}
		}
	}
}

func committedValues(t *testing.T, tm *TransactionManagerImpl, key int) []int {
	snapshots, err := tm.DumpVariable(key)
	require.NoError(t, err)
	values := make([]int, 0, len(snapshots))
	for _, snapshot := range snapshots {
		values = append(values, snapshot.Values[0].Value)
	}
	return values
}

func TestTransactionManagerReadsAndWrites(t *testing.T) {
	t.Run("Read-only transaction should see a write committed before it began", func(t *testing.T) {
		tm := createTestManager(t)
		report := submit(t, tm, "begin(T1);W(T1,x1,100)")
		wrote := report.Filter(EventWrote)
		require.Len(t, wrote, 1)
		assert.Equal(t, []int{2}, wrote[0].Sites)

		report = submit(t, tm, "end(T1)")
		assert.Len(t, report.Filter(EventCommitted), 1)

		report = submit(t, tm, "beginRO(T2);R(T2,x1)")
		reads := report.Filter(EventRead)
		require.Len(t, reads, 1)
		assert.Equal(t, 100, reads[0].Value)
		assert.Equal(t, 2, reads[0].Site)
	})

	t.Run("Write to a replicated variable should reach every up site", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "fail(3)")
		report := submit(t, tm, "begin(T1);W(T1,x2,7)")
		assert.Equal(t, []int{1, 2, 4, 5, 6, 7, 8, 9, 10}, report.Filter(EventWrote)[0].Sites)
		submit(t, tm, "end(T1)")
		assert.Equal(t, []int{7, 7, 20, 7, 7, 7, 7, 7, 7, 7}, committedValues(t, tm, 2))
	})

	t.Run("Read-write transaction should read its own uncommitted write", func(t *testing.T) {
		tm := createTestManager(t)
		report := submit(t, tm, "begin(T1);W(T1,x2,7);R(T1,x2)")
		reads := report.Filter(EventRead)
		require.Len(t, reads, 1)
		assert.Equal(t, 7, reads[0].Value)
		assert.Equal(t, []int{20, 20, 20, 20, 20, 20, 20, 20, 20, 20}, committedValues(t, tm, 2))
	})

	t.Run("Read lock should be upgraded when the reader writes", func(t *testing.T) {
		tm := createTestManager(t)
		report := submit(t, tm, "begin(T1);R(T1,x3);W(T1,x3,4)")
		assert.Len(t, report.Filter(EventRead), 1)
		assert.Len(t, report.Filter(EventWrote), 1)
		site, _ := tm.SiteCoordinator.GetSite(4)
		assert.True(t, site.GetLockTable().HasLock(3, 1, WriteLock))
		assert.Equal(t, 1, site.GetLockTable().Len())
	})

	t.Run("Read-only transaction should keep reading its snapshot", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,5)")
		submit(t, tm, "end(T1)")
		submit(t, tm, "beginRO(T2)")
		submit(t, tm, "begin(T3);W(T3,x2,9)")
		submit(t, tm, "end(T3)")
		submit(t, tm, "fail(1)")

		report := submit(t, tm, "R(T2,x2)")
		reads := report.Filter(EventRead)
		require.Len(t, reads, 1)
		assert.Equal(t, 5, reads[0].Value)
		assert.Equal(t, 2, reads[0].Site)

		report = submit(t, tm, "beginRO(T4);R(T4,x2)")
		assert.Equal(t, 9, report.Filter(EventRead)[0].Value)
	})

	t.Run("Read-only transaction should not block on locks", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "beginRO(T2)")
		report := submit(t, tm, "begin(T1);W(T1,x4,1);R(T2,x4)")
		reads := report.Filter(EventRead)
		require.Len(t, reads, 1)
		assert.Equal(t, 40, reads[0].Value)
		assert.Empty(t, report.Filter(EventBuffered))
	})
}

func TestTransactionManagerBuffering(t *testing.T) {
	t.Run("Conflicting write should wait for the lock holder", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,500)")
		report := submit(t, tm, "begin(T2);W(T2,x2,600)")

		buffered := report.Filter(EventBuffered)
		require.Len(t, buffered, 1)
		assert.Equal(t, TransactionBlocked, buffered[0].Cause)
		assert.Equal(t, 1, buffered[0].BlockedBy)
		assert.False(t, buffered[0].Replayed)
		assert.Equal(t, []WaitFor{{from: 2, to: 1, time: 2}}, tm.WaitFors())
		assert.Equal(t, TxWaiting, tm.GetTransactionState(2))
		assert.Equal(t, TxActive, tm.GetTransactionState(1))
		assert.Equal(t, 1, tm.BufferedOperationCount())
		assertLockExclusivity(t, tm)

		report = submit(t, tm, "end(T1)")
		assert.Len(t, report.Filter(EventCommitted), 1)
		assert.Equal(t, 1, tm.BufferedOperationCount())

		report = submit(t, tm, "dump()")
		wrote := report.Filter(EventWrote)
		require.Len(t, wrote, 1)
		assert.True(t, wrote[0].Replayed)
		assert.Equal(t, 0, tm.BufferedOperationCount())

		submit(t, tm, "end(T2)")
		assert.Equal(t, []int{600, 600, 600, 600, 600, 600, 600, 600, 600, 600}, committedValues(t, tm, 2))
		assert.Equal(t, TxCommitted, tm.GetTransactionState(2))
	})

	t.Run("Replaying a still blocked operation should re-derive the same blocking relation", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,500)")
		submit(t, tm, "begin(T2);W(T2,x2,600)")
		before := tm.BufferedOperations()
		require.Len(t, before, 1)

		report := submit(t, tm, "dump(x2)")
		after := tm.BufferedOperations()
		require.Len(t, after, 1)
		assert.Equal(t, before[0].GetCause(), after[0].GetCause())
		assert.Equal(t, before[0].GetBlockingTransaction(), after[0].GetBlockingTransaction())
		assert.Equal(t, 2, after[0].GetEnqueueTime())
		assert.Equal(t, ReadWrite, after[0].GetKind())
		assert.True(t, report.Filter(EventBuffered)[0].Replayed)
		assert.Equal(t, []WaitFor{{from: 2, to: 1, time: 2}}, tm.WaitFors())
	})

	t.Run("Lock holder should not wait behind the transactions waiting for it", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,1)")
		submit(t, tm, "begin(T2);W(T2,x2,2)")
		report := submit(t, tm, "W(T1,x2,3);R(T1,x2)")
		assert.Len(t, report.Filter(EventWrote), 1)
		assert.Equal(t, 3, report.Filter(EventRead)[0].Value)
		assert.Empty(t, report.Filter(EventDeadlock))
		assert.Equal(t, TxActive, tm.GetTransactionState(1))
	})

	t.Run("Read should wait behind a buffered write of another transaction", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);R(T1,x2)")
		submit(t, tm, "begin(T2);W(T2,x2,5)")
		report := submit(t, tm, "begin(T3);R(T3,x2)")

		var fresh []Event
		for _, event := range report.Filter(EventBuffered) {
			if !event.Replayed {
				fresh = append(fresh, event)
			}
		}
		require.Len(t, fresh, 1)
		assert.Equal(t, 3, fresh[0].Transaction)
		assert.Equal(t, 2, fresh[0].BlockedBy)
		assert.Empty(t, report.Filter(EventRead))
	})

	t.Run("Waiting transaction should still be served on variables nobody holds", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,1)")
		submit(t, tm, "begin(T2);W(T2,x2,2)")
		report := submit(t, tm, "R(T2,x3)")

		reads := report.Filter(EventRead)
		require.Len(t, reads, 1)
		assert.Equal(t, 30, reads[0].Value)
		assert.Equal(t, 4, reads[0].Site)
		assert.Equal(t, 1, tm.BufferedOperationCount())
		assert.Equal(t, []WaitFor{{from: 2, to: 1, time: 2}}, tm.WaitFors())
		assert.Equal(t, TxWaiting, tm.GetTransactionState(2))

		report = submit(t, tm, "end(T2)")
		assert.Len(t, report.Filter(EventCommitDeferred), 1)
	})

	t.Run("Replayed operation should be reported again when its blocker changes", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x3,7)")
		report := submit(t, tm, "begin(T2);R(T2,x3)")
		buffered := report.Filter(EventBuffered)
		require.Len(t, buffered, 1)
		assert.Equal(t, TransactionBlocked, buffered[0].Cause)
		assert.False(t, buffered[0].Changed)

		report = submit(t, tm, "fail(4)")
		buffered = report.Filter(EventBuffered)
		require.Len(t, buffered, 1)
		assert.True(t, buffered[0].Replayed)
		assert.False(t, buffered[0].Changed)
		assert.Equal(t, TxAborted, tm.GetTransactionState(1))

		report = submit(t, tm, "dump(x3)")
		buffered = report.Filter(EventBuffered)
		require.Len(t, buffered, 1)
		assert.True(t, buffered[0].Replayed)
		assert.True(t, buffered[0].Changed)
		assert.Equal(t, VariableUnavailable, buffered[0].Cause)
		assert.Equal(t, 2, buffered[0].BlockedBy)

		report = submit(t, tm, "dump(x3)")
		assert.False(t, report.Filter(EventBuffered)[0].Changed)
	})

	t.Run("Read of a variable without an up site should wait for recovery", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "fail(4)")
		report := submit(t, tm, "begin(T1);R(T1,x3)")
		buffered := report.Filter(EventBuffered)
		require.Len(t, buffered, 1)
		assert.Equal(t, VariableUnavailable, buffered[0].Cause)
		assert.Empty(t, tm.WaitFors())

		report = submit(t, tm, "recover(4)")
		assert.Empty(t, report.Filter(EventRead))

		report = submit(t, tm, "dump()")
		reads := report.Filter(EventRead)
		require.Len(t, reads, 1)
		assert.Equal(t, 30, reads[0].Value)
		assert.True(t, reads[0].Replayed)
	})

	t.Run("Read-only transaction should wait for an unavailable snapshot", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "beginRO(T1);fail(4)")
		report := submit(t, tm, "R(T1,x3)")
		assert.Equal(t, VariableUnavailable, report.Filter(EventBuffered)[0].Cause)
		submit(t, tm, "recover(4)")
		report = submit(t, tm, "dump(4)")
		assert.Equal(t, 30, report.Filter(EventRead)[0].Value)
	})
}

func TestTransactionManagerDeadlocks(t *testing.T) {
	t.Run("Deadlock should abort the youngest transaction in the cycle", func(t *testing.T) {
		metrics := utils.NewMetrics()
		tm := CreateTransactionManager(CreateSiteCoordinator(10, 20), zaptest.NewLogger(t), metrics)
		submit(t, tm, "begin(T1)")
		submit(t, tm, "begin(T2)")
		submit(t, tm, "W(T1,x6,1);W(T2,x4,2)")
		report := submit(t, tm, "W(T1,x4,3)")
		assert.Empty(t, report.Filter(EventDeadlock))

		report = submit(t, tm, "W(T2,x6,4)")
		deadlocks := report.Filter(EventDeadlock)
		require.Len(t, deadlocks, 1)
		assert.Equal(t, 2, deadlocks[0].Transaction)
		aborted := report.Filter(EventAborted)
		require.Len(t, aborted, 1)
		assert.Equal(t, string(AbortDeadlock), aborted[0].Reason)
		assert.Equal(t, TxAborted, tm.GetTransactionState(2))
		assert.Equal(t, TxWaiting, tm.GetTransactionState(1))
		assert.Empty(t, tm.WaitFors())

		report = submit(t, tm, "end(T1)")
		assert.Len(t, report.Filter(EventWrote), 1)
		assert.Len(t, report.Filter(EventCommitted), 1)
		assert.Equal(t, 3, committedValues(t, tm, 4)[0])
		assert.Equal(t, 1, committedValues(t, tm, 6)[0])
		assertLockExclusivity(t, tm)

		summary, err := metrics.Summary()
		require.NoError(t, err)
		assert.Contains(t, summary, "repcrec_deadlocks_total 1")
		assert.Contains(t, summary, `repcrec_transactions_aborted_total{reason="deadlock"} 1`)
		assert.Contains(t, summary, `repcrec_transactions_committed_total{kind="read-write"} 1`)
	})

	t.Run("Aborted transaction should lose its buffered operations", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1)")
		submit(t, tm, "begin(T2)")
		submit(t, tm, "W(T1,x6,1);W(T2,x4,2)")
		submit(t, tm, "W(T1,x4,3);W(T2,x6,4);R(T2,x8)")
		for _, operation := range tm.BufferedOperations() {
			assert.NotEqual(t, 2, operation.GetTransaction())
		}
		report := submit(t, tm, "R(T2,x2)")
		assert.Len(t, report.Filter(EventRejected), 1)
	})
}

func TestTransactionManagerSiteFailures(t *testing.T) {
	t.Run("Failing a site should abort the transactions holding locks there", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);R(T1,x1)")
		report := submit(t, tm, "fail(2)")
		assert.Len(t, report.Filter(EventSiteFailed), 1)
		aborted := report.Filter(EventAborted)
		require.Len(t, aborted, 1)
		assert.Equal(t, 1, aborted[0].Transaction)
		assert.Equal(t, string(AbortSiteFailure), aborted[0].Reason)

		site, _ := tm.SiteCoordinator.GetSite(2)
		assert.Equal(t, 0, site.GetLockTable().Len())
		assert.Equal(t, TxAborted, tm.GetTransactionState(1))

		report = submit(t, tm, "R(T1,x2);W(T1,x2,5)")
		rejected := report.Filter(EventRejected)
		assert.Len(t, rejected, 2)
		assert.Contains(t, rejected[0].Reason, "transaction does not exist")
	})

	t.Run("Failure abort should wait until the commands of the tick are processed", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,5)")
		report := submit(t, tm, "fail(2);R(T1,x4);end(T1)")
		assert.Len(t, report.Filter(EventRead), 1)
		assert.Empty(t, report.Filter(EventCommitted))
		assert.Len(t, report.Filter(EventRejected), 1)
		assert.Equal(t, TxAborted, tm.GetTransactionState(1))
		assert.Equal(t, []int{20, 20, 20, 20, 20, 20, 20, 20, 20, 20}, committedValues(t, tm, 2))
	})

	t.Run("Failure should not abort read-only transactions", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "beginRO(T1);R(T1,x2)")
		report := submit(t, tm, "fail(1)")
		assert.Empty(t, report.Filter(EventAborted))
		assert.Equal(t, TxActive, tm.GetTransactionState(1))
	})

	t.Run("Recovered site should serve replicated variables only after a commit", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "fail(3);fail(4)")
		report := submit(t, tm, "recover(3);recover(4)")
		assert.Len(t, report.Filter(EventSiteRecovered), 2)

		site3, _ := tm.SiteCoordinator.GetSite(3)
		site4, _ := tm.SiteCoordinator.GetSite(4)
		assert.False(t, site3.GetVariable(2).IsAvailableForRead())
		assert.True(t, site4.GetVariable(3).IsAvailableForRead())

		submit(t, tm, "begin(T1);W(T1,x2,22)")
		submit(t, tm, "end(T1)")
		assert.True(t, site3.GetVariable(2).IsAvailableForRead())
		assert.False(t, site3.GetVariable(4).IsAvailableForRead())
	})

	t.Run("Read-only commit should wait until the sites it read from are up", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "beginRO(T1)")
		submit(t, tm, "R(T1,x3)")
		submit(t, tm, "fail(4)")

		report := submit(t, tm, "end(T1)")
		deferred := report.Filter(EventCommitDeferred)
		require.Len(t, deferred, 1)
		assert.Contains(t, deferred[0].Reason, "site 4 is down")

		report = submit(t, tm, "dump()")
		assert.Empty(t, report.Filter(EventCommitDeferred))
		assert.Empty(t, report.Filter(EventCommitted))

		report = submit(t, tm, "recover(4)")
		assert.Len(t, report.Filter(EventCommitted), 1)
		assert.Equal(t, TxCommitted, tm.GetTransactionState(1))
	})
}

func TestTransactionManagerEnd(t *testing.T) {
	t.Run("End of a waiting transaction should be deferred until its operations complete", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,500)")
		submit(t, tm, "begin(T2);W(T2,x2,600)")

		report := submit(t, tm, "end(T2);end(T2)")
		assert.Len(t, report.Filter(EventCommitDeferred), 1)

		report = submit(t, tm, "end(T1)")
		assert.Empty(t, report.Filter(EventCommitDeferred))
		committed := report.Filter(EventCommitted)
		require.Len(t, committed, 1)
		assert.Equal(t, 1, committed[0].Transaction)

		report = submit(t, tm, "dump(x2)")
		committed = report.Filter(EventCommitted)
		require.Len(t, committed, 1)
		assert.Equal(t, 2, committed[0].Transaction)
		assert.Equal(t, 600, committedValues(t, tm, 2)[0])
	})

	t.Run("End repeated in the tick a deferred end commits should not be rejected", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);W(T1,x2,500)")
		submit(t, tm, "begin(T2);W(T2,x2,600)")
		submit(t, tm, "end(T2)")
		submit(t, tm, "end(T1)")

		report := submit(t, tm, "end(T2)")
		assert.Empty(t, report.Filter(EventRejected))
		committed := report.Filter(EventCommitted)
		require.Len(t, committed, 1)
		assert.Equal(t, 2, committed[0].Transaction)
		assert.Equal(t, TxCommitted, tm.GetTransactionState(2))
	})

	t.Run("Commit should release every lock of the transaction", func(t *testing.T) {
		tm := createTestManager(t)
		submit(t, tm, "begin(T1);R(T1,x1);W(T1,x2,5)")
		submit(t, tm, "end(T1)")
		for siteId := 1; siteId <= 10; siteId++ {
			site, _ := tm.SiteCoordinator.GetSite(siteId)
			assert.Equal(t, 0, site.GetLockTable().Len())
			assert.Empty(t, site.GetLoggedTransactions())
		}
		transaction, exists := tm.GetTransaction(1)
		require.True(t, exists)
		assert.Len(t, transaction.GetHistory(), 11)
	})
}

func TestTransactionManagerRejections(t *testing.T) {
	t.Run("Begin should reject live and terminated ids", func(t *testing.T) {
		tm := createTestManager(t)
		report := submit(t, tm, "begin(T1);begin(T1)")
		assert.Len(t, report.Filter(EventBegan), 1)
		assert.Len(t, report.Filter(EventRejected), 1)
		submit(t, tm, "end(T1)")
		report = submit(t, tm, "beginRO(T1)")
		assert.Len(t, report.Filter(EventRejected), 1)
		assert.Equal(t, TxCommitted, tm.GetTransactionState(1))
	})

	t.Run("Invalid operations should be rejected without changing state", func(t *testing.T) {
		tm := createTestManager(t)
		report := submit(t, tm, "beginRO(T2);W(T2,x2,1);R(T9,x2);begin(T1);R(T1,x21);end(T5)")
		assert.Len(t, report.Filter(EventRejected), 4)
		assert.Equal(t, 0, tm.BufferedOperationCount())
		assert.Equal(t, TxUnknown, tm.GetTransactionState(9))
		assertLockExclusivity(t, tm)
	})

	t.Run("Site commands should reject sites in the wrong state", func(t *testing.T) {
		tm := createTestManager(t)
		report := submit(t, tm, "fail(1);fail(1);recover(2);fail(12)")
		assert.Len(t, report.Filter(EventSiteFailed), 1)
		assert.Len(t, report.Filter(EventRejected), 3)
	})

	t.Run("Dump of an unknown site should fail once the tick is complete", func(t *testing.T) {
		tm := createTestManager(t)
		report, err := tm.SubmitTick("dump(11);begin(T1)")
		assert.True(t, IsError(err, ErrSiteNotFound))
		assert.Equal(t, 1, report.Tick)
		assert.Equal(t, TxActive, tm.GetTransactionState(1))
	})

	t.Run("Malformed line should not consume a tick", func(t *testing.T) {
		tm := createTestManager(t)
		_, err := tm.SubmitTick("begin(T1);nonsense")
		assert.True(t, IsError(err, ErrParse))
		assert.Equal(t, 0, tm.CurrentTick())
		assert.Equal(t, TxUnknown, tm.GetTransactionState(1))
	})
}
