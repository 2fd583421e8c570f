/**************************
File: siteCoordinator.go
Author: Mingyi Lim
Description: This file contains the implementation of the SiteCoordinator interface. The SiteCoordinator owns every site, knows which sites host which variables, and implements the available copies read and write rules across the sites that are currently up. It also implements the site failure and recovery state machine.
***************************/

package domain

import (
	"github.com/pingcap/errors"

	"github.com/mingyi850/repcrec2pl/internal/utils"
)

/*
***********
Custom Structs
***********
*/

/* A write made durable at a site by a commit */
type CommittedWrite struct {
	Site  int
	Key   int
	Value int
}

/*
SiteCoordinator is responsible for managing the data across all sites. It provides interfaces to access and modify the data,
It also provides the interface to manage site failures and recoveries.
*/
type SiteCoordinator interface {
	Fail(site int) ([]int, error)
	Recover(site int) error
	Dump() []SiteSnapshot
	DumpSite(site int) (SiteSnapshot, error)
	DumpVariable(key int) ([]SiteSnapshot, error)
	GetSite(site int) (*Site, bool)
	IsValidKey(key int) bool
	IsSiteUp(site int) bool
	GetSitesForKey(key int) []int
	GetActiveSitesForKey(key int) []int
	SnapshotRead(key int, txStart int) (HistoricalValue, int, bool)
	FirstReadableSite(key int) (int, bool)
	HoldsWriteLockEverywhere(key int, tx int) bool
	FindConflictingLock(key int, tx int, mode LockMode) (int, bool)
	AcquireWriteLocks(key int, tx int) []int
	AcquireReadLock(site int, key int, tx int)
	WriteUncommitted(key int, tx int, value int) []int
	ReadCurrent(site int, key int) int
	LogOperation(site int, tx int, kind TransactionKind)
	CommitTransaction(tx int, time int) []CommittedWrite
	ReleaseTransaction(tx int)
}

/* Sites are numbered 1..numSites and variables 1..numKeys */
type SiteCoordinatorImpl struct {
	Sites    map[int]*Site
	numSites int
	numKeys  int
}

/* Creates a new SiteCoordinator with the given number of sites and variables */
func CreateSiteCoordinator(numSites int, numKeys int) *SiteCoordinatorImpl {
	sites := make(map[int]*Site)
	for i := 1; i <= numSites; i++ {
		sites[i] = CreateSite(i, getManagedKeys(i, numSites, numKeys))
	}
	return &SiteCoordinatorImpl{
		Sites:    sites,
		numSites: numSites,
		numKeys:  numKeys,
	}
}

/*
Fails an up site. Returns the transactions that have to abort because of the failure,
then erases the lock table of the site.
*/
func (s *SiteCoordinatorImpl) Fail(site int) ([]int, error) {
	target, exists := s.Sites[site]
	if !exists {
		return nil, errors.Annotatef(ErrSiteNotFound, "fail(%d)", site)
	}
	if !target.IsUp() {
		return nil, errors.Annotatef(ErrSiteAlreadyDown, "fail(%d)", site)
	}
	implicated := target.TransactionsToAbort()
	target.fail()
	return implicated, nil
}

/* Recovers a down site */
func (s *SiteCoordinatorImpl) Recover(site int) error {
	target, exists := s.Sites[site]
	if !exists {
		return errors.Annotatef(ErrSiteNotFound, "recover(%d)", site)
	}
	if target.IsUp() {
		return errors.Annotatef(ErrSiteAlreadyUp, "recover(%d)", site)
	}
	target.recover()
	return nil
}

/* Returns a snapshot of every site in id order */
func (s *SiteCoordinatorImpl) Dump() []SiteSnapshot {
	results := make([]SiteSnapshot, 0, s.numSites)
	for i := 1; i <= s.numSites; i++ {
		results = append(results, s.Sites[i].Dump())
	}
	return results
}

/* Returns a snapshot of a single site */
func (s *SiteCoordinatorImpl) DumpSite(site int) (SiteSnapshot, error) {
	target, exists := s.Sites[site]
	if !exists {
		return SiteSnapshot{}, errors.Annotatef(ErrSiteNotFound, "dump(%d)", site)
	}
	return target.Dump(), nil
}

/* Returns, for every site hosting key, a snapshot restricted to that key */
func (s *SiteCoordinatorImpl) DumpVariable(key int) ([]SiteSnapshot, error) {
	if !s.IsValidKey(key) {
		return nil, errors.Annotatef(ErrUnknownVariable, "dump(x%d)", key)
	}
	results := make([]SiteSnapshot, 0)
	for _, site := range s.GetSitesForKey(key) {
		target := s.Sites[site]
		results = append(results, SiteSnapshot{
			Site:   site,
			Up:     target.IsUp(),
			Values: []VariableValue{{Key: key, Value: target.GetVariable(key).GetCommittedValue()}},
		})
	}
	return results, nil
}

func (s *SiteCoordinatorImpl) GetSite(site int) (*Site, bool) {
	target, exists := s.Sites[site]
	return target, exists
}

func (s *SiteCoordinatorImpl) IsValidKey(key int) bool {
	return key >= 1 && key <= s.numKeys
}

func (s *SiteCoordinatorImpl) IsSiteUp(site int) bool {
	target, exists := s.Sites[site]
	return exists && target.IsUp()
}

/* Returns a list of sites that contain the given key */
func (s *SiteCoordinatorImpl) GetSitesForKey(key int) []int {
	if IsReplicatedKey(key) {
		return utils.GetRange(1, s.numSites, 1)
	}
	return []int{homeSite(key, s.numSites)}
}

/* Returns a list of up sites that contain the given key */
func (s *SiteCoordinatorImpl) GetActiveSitesForKey(key int) []int {
	result := make([]int, 0)
	for _, site := range s.GetSitesForKey(key) {
		if s.Sites[site].IsUp() {
			result = append(result, site)
		}
	}
	return result
}

/*
Returns the version of key with the greatest commit time before txStart across every up site whose copy is readable.
Ties go to the lowest site id. Also returns the site serving the read.
*/
func (s *SiteCoordinatorImpl) SnapshotRead(key int, txStart int) (HistoricalValue, int, bool) {
	var best HistoricalValue
	bestSite := 0
	found := false
	for _, site := range s.GetActiveSitesForKey(key) {
		variable := s.Sites[site].GetVariable(key)
		if !variable.IsAvailableForRead() {
			continue
		}
		version, exists := variable.ReadBefore(txStart)
		if !exists {
			continue
		}
		if !found || version.time > best.time {
			best = version
			bestSite = site
			found = true
		}
	}
	return best, bestSite, found
}

/* Returns the lowest up site whose copy of key is readable */
func (s *SiteCoordinatorImpl) FirstReadableSite(key int) (int, bool) {
	for _, site := range s.GetActiveSitesForKey(key) {
		if s.Sites[site].GetVariable(key).IsAvailableForRead() {
			return site, true
		}
	}
	return 0, false
}

/* Returns true if tx holds the write lock on key at every up site hosting it (and at least one such site exists) */
func (s *SiteCoordinatorImpl) HoldsWriteLockEverywhere(key int, tx int) bool {
	sites := s.GetActiveSitesForKey(key)
	if len(sites) == 0 {
		return false
	}
	for _, site := range sites {
		if !s.Sites[site].GetLockTable().HasLock(key, tx, WriteLock) {
			return false
		}
	}
	return true
}

/* Returns the first transaction, in site order, holding a lock on key at an up site that conflicts with a lock of the given mode */
func (s *SiteCoordinatorImpl) FindConflictingLock(key int, tx int, mode LockMode) (int, bool) {
	for _, site := range s.GetActiveSitesForKey(key) {
		if holder, conflict := s.Sites[site].GetLockTable().FindConflict(key, tx, mode); conflict {
			return holder, true
		}
	}
	return 0, false
}

/*
Takes the write lock on key at every up site hosting it. Callers must have checked that no other transaction holds a lock there.
Returns the sites locked.
*/
func (s *SiteCoordinatorImpl) AcquireWriteLocks(key int, tx int) []int {
	sites := s.GetActiveSitesForKey(key)
	for _, site := range sites {
		table := s.Sites[site].GetLockTable()
		lock, held := table.GetLock(key, tx)
		switch {
		case !held:
			table.AddLock(key, tx, WriteLock)
		case lock.GetMode() == ReadLock:
			table.UpgradeToWrite(key, tx)
		}
	}
	return sites
}

/* Takes a read lock at the site unless tx already holds a lock on key there */
func (s *SiteCoordinatorImpl) AcquireReadLock(site int, key int, tx int) {
	table := s.Sites[site].GetLockTable()
	if _, held := table.GetLock(key, tx); !held {
		table.AddLock(key, tx, ReadLock)
	}
}

/* Writes the uncommitted value at every up site where tx holds the write lock on key. Returns the sites written */
func (s *SiteCoordinatorImpl) WriteUncommitted(key int, tx int, value int) []int {
	written := make([]int, 0)
	for _, site := range s.GetActiveSitesForKey(key) {
		target := s.Sites[site]
		if !target.GetLockTable().HasLock(key, tx, WriteLock) {
			panic(errors.Errorf("T%d writes x%d at site %d without the write lock", tx, key, site))
		}
		target.GetVariable(key).setUncommitted(value)
		written = append(written, site)
	}
	return written
}

/* Returns the current value of key at the site, including the uncommitted value of its write-lock holder */
func (s *SiteCoordinatorImpl) ReadCurrent(site int, key int) int {
	return s.Sites[site].GetVariable(key).GetUncommittedValue()
}

func (s *SiteCoordinatorImpl) LogOperation(site int, tx int, kind TransactionKind) {
	s.Sites[site].LogOperation(tx, kind)
}

/*
Commits tx at every site. Write locks make the uncommitted value durable with a new version at the given time,
read locks are released. Returns the writes made durable, in site order.
*/
func (s *SiteCoordinatorImpl) CommitTransaction(tx int, time int) []CommittedWrite {
	writes := make([]CommittedWrite, 0)
	for i := 1; i <= s.numSites; i++ {
		site := s.Sites[i]
		table := site.GetLockTable()
		for _, lock := range table.LocksHeldBy(tx) {
			if lock.GetMode() == WriteLock {
				entry := site.GetVariable(lock.GetVariable()).commit(time)
				writes = append(writes, CommittedWrite{Site: i, Key: lock.GetVariable(), Value: entry.GetValue()})
			}
			table.RemoveLock(lock)
		}
		site.Forget(tx)
	}
	return writes
}

/* Releases every lock held by tx without committing. Uncommitted values are abandoned */
func (s *SiteCoordinatorImpl) ReleaseTransaction(tx int) {
	for i := 1; i <= s.numSites; i++ {
		site := s.Sites[i]
		table := site.GetLockTable()
		for _, lock := range table.LocksHeldBy(tx) {
			if lock.GetMode() == WriteLock {
				site.GetVariable(lock.GetVariable()).discardUncommitted()
			}
			table.RemoveLock(lock)
		}
		site.Forget(tx)
	}
}

/*
******
Private Methods
******
*/

/* Even keys live at every site, odd keys only at site 1 + key mod numSites */
func getManagedKeys(siteId int, numSites int, numKeys int) []int {
	keys := make([]int, 0)
	for key := 1; key <= numKeys; key++ {
		if IsReplicatedKey(key) || homeSite(key, numSites) == siteId {
			keys = append(keys, key)
		}
	}
	return keys
}

func homeSite(key int, numSites int) int {
	return 1 + key%numSites
}
