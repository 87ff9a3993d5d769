// Command townhallctl runs one-off operator tasks against a townhall deployment.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	if err := newRootCmd().Execute(); err != nil {
		log.Printf("townhallctl: %v", err)
		os.Exit(1)
	}
}
