// Command irtengine serves the ability estimation API and runs its batch and
// diagnostic jobs.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
