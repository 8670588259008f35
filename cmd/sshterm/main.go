// Command sshterm is a terminal client for the sshdash gateway.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
