/**************************
File: errors.go
Author: Mingyi Lim
Description: This file contains the error values returned by the engine. Protocol anomalies (unknown transactions, sites already in the requested state) are reported as rejections, not failures.
***************************/

package domain

import "github.com/pingcap/errors"

var (
	ErrTransactionNotFound = errors.New("transaction does not exist")
	ErrTransactionExists   = errors.New("transaction already exists")
	ErrSiteNotFound        = errors.New("site does not exist")
	ErrSiteAlreadyUp       = errors.New("site is already up")
	ErrSiteAlreadyDown     = errors.New("site is already down")
	ErrUnknownVariable     = errors.New("variable does not exist")
	ErrReadOnlyWrite       = errors.New("read-only transaction cannot write")
	ErrParse               = errors.New("could not parse command")
)

/* Returns true if err was caused by the given sentinel */
func IsError(err error, target error) bool {
	return errors.Cause(err) == target
}
