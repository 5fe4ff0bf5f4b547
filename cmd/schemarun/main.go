package main

import (
	"errors"
	"fmt"
	"os"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

func main() {
	err := NewRootCommand().Execute()
	_ = logging.CloseDebugFile()
	if err != nil {
		var cliErr *runerrors.CLIError
		if errors.As(err, &cliErr) {
			fmt.Fprintln(os.Stderr, red("error:"), cliErr.Display())
		} else {
			fmt.Fprintln(os.Stderr, red("error:"), err)
		}
		os.Exit(runerrors.ExitCodeFor(err))
	}
}
