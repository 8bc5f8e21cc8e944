// securechan-pskgen generates a random pre-shared key for authenticating
// secure-channel handshakes and prints it base64-encoded, or writes it to
// a file with restrictive permissions when given a path.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
)

var (
	size = flag.Int("size", 32, "Key size in bytes")
	out  = flag.String("out", "", "Write the raw key to this file instead of printing base64")
)

func main() {
	flag.Parse()

	psk := make([]byte, *size)
	if _, err := rand.Read(psk); err != nil {
		fmt.Fprintf(os.Stderr, "generating key: %v\n", err)
		os.Exit(1)
	}

	if *out != "" {
		if err := os.WriteFile(*out, psk, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "writing %s: %v\n", *out, err)
			os.Exit(1)
		}
		return
	}
	fmt.Println(base64.StdEncoding.EncodeToString(psk))
}
