package internal

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pingcap/errors"

	"github.com/mingyi850/repcrec2pl/internal/domain"
)

/*
Runs a script against the transaction manager. Every line is echoed, then submitted as one tick.
Blank lines and comments do not consume a tick. Returns the first hard error: a malformed line or dump of an unknown site.
*/
func Simulation(reader io.Reader, transactionManager domain.TransactionManager) error {
	scanner := bufio.NewScanner(reader)
	commentFlag := false
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		fmt.Println(line)
		var commands string
		commands, commentFlag = stripComments(line, commentFlag)
		if commands == "" {
			continue
		}
		report, err := transactionManager.SubmitTick(commands)
		domain.HandleTickReport(report)
		if err != nil {
			return errors.Annotatef(err, "line %d", lineNumber)
		}
	}
	return errors.Trace(scanner.Err())
}

// Returns the part of the line outside comments, and whether a block comment is still open after it.
// Supports // to the end of the line and /* */ blocks spanning lines.
func stripComments(line string, commentFlag bool) (string, bool) {
	var builder strings.Builder
	rest := line
	for rest != "" {
		if commentFlag {
			end := strings.Index(rest, "*/")
			if end < 0 {
				return strings.TrimSpace(builder.String()), true
			}
			rest = rest[end+2:]
			commentFlag = false
			continue
		}
		lineComment := strings.Index(rest, "//")
		blockComment := strings.Index(rest, "/*")
		switch {
		case lineComment >= 0 && (blockComment < 0 || lineComment < blockComment):
			builder.WriteString(rest[:lineComment])
			rest = ""
		case blockComment >= 0:
			builder.WriteString(rest[:blockComment])
			rest = rest[blockComment+2:]
			commentFlag = true
		default:
			builder.WriteString(rest)
			rest = ""
		}
	}
	return strings.TrimSpace(builder.String()), commentFlag
}
