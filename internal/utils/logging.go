package utils

import (
	"fmt"
	"strings"
)

func LogRead(transaction int, key int, value int) {
	fmt.Printf("x%d: %d\n", key, value)
}

func LogAbort(transaction int, reason string) {
	if reason == "" {
		fmt.Printf("T%d aborts\n", transaction)
	} else {
		fmt.Printf("T%d aborts: %s\n", transaction, reason)
	}
}

func LogWait(transaction int, blockedBy int) {
	fmt.Printf("T%d waits for T%d\n", transaction, blockedBy)
}

func LogWaitForSite(transaction int, key int) {
	fmt.Printf("T%d waits: no site available for x%d\n", transaction, key)
}

func LogCommit(transaction int) {
	fmt.Printf("T%d commits\n", transaction)
}

func LogCommitDeferred(transaction int, reason string) {
	fmt.Printf("T%d cannot commit yet: %s\n", transaction, reason)
}

func LogWrite(transaction int, key int, sites []int) {
	fmt.Printf("T%d - x%d: %v\n", transaction, key, sites)
}

func LogRejected(reason string) {
	fmt.Printf("rejected: %s\n", reason)
}

func LogSiteFailed(site int) {
	fmt.Printf("site %d fails\n", site)
}

func LogSiteRecovered(site int) {
	fmt.Printf("site %d recovers\n", site)
}

func LogDeadlock(victim int) {
	fmt.Printf("deadlock detected, T%d is the youngest in the cycle\n", victim)
}

func LogDump(line string) {
	fmt.Println(line)
}

/* Example: site 2 - x1: 10, x2: 20 */
func FormatSiteDump(site int, up bool, keys []int, values []int) string {
	result := make([]string, 0, len(keys))
	for i := range keys {
		result = append(result, fmt.Sprintf("x%d: %d", keys[i], values[i]))
	}
	if !up {
		return fmt.Sprintf("site %d (down) - %s", site, strings.Join(result, ", "))
	}
	return fmt.Sprintf("site %d - %s", site, strings.Join(result, ", "))
}
