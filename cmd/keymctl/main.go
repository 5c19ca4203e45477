// keymctl is the operator CLI for the key lifecycle manager: key generation
// and rotation, PII-adjacent file encryption, and encrypted backups.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run executes the root command and reports any failure on stderr. The
// command tree silences cobra's own error printing, so this is the single
// place a failure reaches the operator.
func run(args []string, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "keymctl: %v\n", err)
		return 1
	}
	return 0
}
