package internal

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pingcap/errors"

	"github.com/mingyi850/repcrec2pl/internal/domain"
)

/*
Reads commands from a terminal, one tick per line, until exit, quit or EOF.
Errors are printed and the session continues. Ctrl-C clears the current line.
*/
func Interactive(transactionManager domain.TransactionManager, prompt string, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer rl.Close()

	commentFlag := false
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		var commands string
		commands, commentFlag = stripComments(line, commentFlag)
		if commands == "" {
			continue
		}
		report, err := transactionManager.SubmitTick(commands)
		domain.HandleTickReport(report)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
