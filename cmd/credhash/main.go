package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
)

func main() {
	cost := flag.Int("cost", 0, "bcrypt cost (0 uses the library default)")
	flag.Parse()

	secret, err := readSecret(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		os.Exit(1)
	}
	hash, err := auth.HashSecret(secret, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func readSecret(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", fmt.Errorf("provide secret as arg or stdin")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return secret, nil
}
