// Command mirrorbot-keygen encrypts a broker password into the keystore file
// referenced by a credential's encrypted_password_path. The password to
// encrypt and the keystore password are read from the terminal so neither
// lands in shell history.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/alanyoungcy/mirrorbot/internal/crypto"
)

func main() {
	out := flag.String("out", "", "path to write the encrypted keystore file")
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: mirrorbot-keygen -out <path>")
		os.Exit(2)
	}

	reader := bufio.NewReader(os.Stdin)

	secret, err := prompt(reader, "Broker password to encrypt: ")
	if err != nil {
		fatal(err)
	}
	password, err := prompt(reader, "Keystore password: ")
	if err != nil {
		fatal(err)
	}
	confirm, err := prompt(reader, "Keystore password (again): ")
	if err != nil {
		fatal(err)
	}
	if password != confirm {
		fatal(fmt.Errorf("keystore passwords do not match"))
	}

	blob, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		fatal(err)
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		fatal(err)
	}

	fmt.Printf("wrote %s\n", *out)
}

func prompt(r *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "mirrorbot-keygen: %v\n", err)
	os.Exit(1)
}
