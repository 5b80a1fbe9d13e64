// Command verify checks a ledger file's hash chain without touching it.
// Exits 0 when the chain is intact and 1 when it is not.
package main

import (
	"flag"
	"fmt"
	"os"

	"vault-fee-tracker/internal/ledger"
)

func main() {
	path := flag.String("ledger", "data/ledger.jsonl", "Path to the ledger file")
	flag.Parse()

	result, err := ledger.Verify(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("entries checked: %d\n", result.EntriesChecked)
	if result.Valid {
		fmt.Println("chain: valid")
		return
	}

	fmt.Println("chain: INVALID")
	fmt.Printf("first bad sequence: %d\n", result.FirstBadSequence)
	fmt.Printf("reason: %s\n", result.Reason)
	os.Exit(1)
}
