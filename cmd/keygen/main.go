// Keygen prints a fresh base64-encoded 256-bit key for use as
// TOKEN_ENCRYPTION_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/herdlock/herdlock/internal/encryption"
)

func main() {
	key, err := encryption.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(key)
}
