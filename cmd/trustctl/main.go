// Command trustctl runs operator tasks against the trust layer's stores:
// ledger verification, retention purges and session administration.
package main

import "trustlayer/internal/cli"

func main() {
	cli.Execute()
}
