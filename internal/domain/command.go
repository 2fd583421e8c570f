/**************************
File: command.go
Author: Mingyi Lim
Description: This file contains the parser for a line of commands. A line is one tick and holds one or more commands separated by semicolons.
***************************/

package domain

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

type CommandType int

const (
	CmdBegin CommandType = iota
	CmdBeginRO
	CmdRead
	CmdWrite
	CmdEnd
	CmdFail
	CmdRecover
	CmdDump
	CmdDumpSite
	CmdDumpVariable
)

/* A single parsed command. Only the fields relevant to Type are set */
type Command struct {
	Type        CommandType
	Transaction int
	Key         int
	Value       int
	Site        int
	Text        string
}

var (
	beginPattern        = regexp.MustCompile(`^begin\(\s*T(\d+)\s*\)$`)
	beginROPattern      = regexp.MustCompile(`^beginRO\(\s*T(\d+)\s*\)$`)
	readPattern         = regexp.MustCompile(`^R\(\s*T(\d+)\s*,\s*x(\d+)\s*\)$`)
	writePattern        = regexp.MustCompile(`^W\(\s*T(\d+)\s*,\s*x(\d+)\s*,\s*(-?\d+)\s*\)$`)
	endPattern          = regexp.MustCompile(`^end\(\s*T(\d+)\s*\)$`)
	failPattern         = regexp.MustCompile(`^fail\(\s*(\d+)\s*\)$`)
	recoverPattern      = regexp.MustCompile(`^recover\(\s*(\d+)\s*\)$`)
	dumpPattern         = regexp.MustCompile(`^dump\(\s*\)$`)
	dumpSitePattern     = regexp.MustCompile(`^dump\(\s*(\d+)\s*\)$`)
	dumpVariablePattern = regexp.MustCompile(`^dump\(\s*x(\d+)\s*\)$`)
)

/* Example: "begin(T1); W(T1, x2, 5)" -> [begin T1, write T1 x2 5]. Empty commands are skipped */
func ParseCommandLine(line string) ([]Command, error) {
	commands := make([]Command, 0)
	for _, text := range strings.Split(line, ";") {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		command, err := ParseCommand(text)
		if err != nil {
			return nil, err
		}
		commands = append(commands, command)
	}
	return commands, nil
}

/* Parses a single command such as R(T1, x4) */
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	switch {
	case beginROPattern.MatchString(text):
		numbers, err := extractNumbers(beginROPattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdBeginRO, Transaction: numbers[0], Text: text}, nil
	case beginPattern.MatchString(text):
		numbers, err := extractNumbers(beginPattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdBegin, Transaction: numbers[0], Text: text}, nil
	case readPattern.MatchString(text):
		numbers, err := extractNumbers(readPattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdRead, Transaction: numbers[0], Key: numbers[1], Text: text}, nil
	case writePattern.MatchString(text):
		numbers, err := extractNumbers(writePattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdWrite, Transaction: numbers[0], Key: numbers[1], Value: numbers[2], Text: text}, nil
	case endPattern.MatchString(text):
		numbers, err := extractNumbers(endPattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdEnd, Transaction: numbers[0], Text: text}, nil
	case failPattern.MatchString(text):
		numbers, err := extractNumbers(failPattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdFail, Site: numbers[0], Text: text}, nil
	case recoverPattern.MatchString(text):
		numbers, err := extractNumbers(recoverPattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdRecover, Site: numbers[0], Text: text}, nil
	case dumpPattern.MatchString(text):
		return Command{Type: CmdDump, Text: text}, nil
	case dumpSitePattern.MatchString(text):
		numbers, err := extractNumbers(dumpSitePattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdDumpSite, Site: numbers[0], Text: text}, nil
	case dumpVariablePattern.MatchString(text):
		numbers, err := extractNumbers(dumpVariablePattern, text)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: CmdDumpVariable, Key: numbers[0], Text: text}, nil
	}
	return Command{}, errors.Annotatef(ErrParse, "%q", text)
}

/* Converts every submatch of the pattern to an int */
func extractNumbers(pattern *regexp.Regexp, text string) ([]int, error) {
	matches := pattern.FindStringSubmatch(text)
	numbers := make([]int, 0, len(matches))
	for _, match := range matches[1:] {
		number, err := strconv.Atoi(match)
		if err != nil {
			return nil, errors.Annotatef(ErrParse, "could not convert %q in %q: %v", match, text, err)
		}
		numbers = append(numbers, number)
	}
	return numbers, nil
}
