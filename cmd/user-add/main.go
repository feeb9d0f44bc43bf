package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"mdvault/internal/auth"
	"mdvault/internal/config"
	"mdvault/internal/store"
)

func main() {
	admin := flag.Bool("admin", false, "grant platform admin")
	vaultSlug := flag.String("vault", "", "vault slug to grant a role in")
	role := flag.String("role", auth.RoleViewer, "role to grant in the vault")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: user-add [-admin] [-vault slug -role role] <username>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	user := strings.TrimSpace(flag.Arg(0))
	if user == "" {
		fmt.Fprintln(os.Stderr, "username must not be empty")
		os.Exit(2)
	}

	cfg := config.Load()
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err := st.UserByName(ctx, user); err == nil {
		ok, err := promptYesNo(fmt.Sprintf("User %q exists. Update password? [y/N]: ", user))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "no changes made")
			return
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	confirm, err := promptPassword("Confirm: ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if password != confirm {
		fmt.Fprintln(os.Stderr, "passwords do not match")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := st.UpsertUser(ctx, store.User{Name: user, PasswordHash: hash, IsAdmin: *admin}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *vaultSlug != "" {
		vault, err := st.VaultBySlug(ctx, *vaultSlug)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := st.SetVaultRole(ctx, vault.ID, user, *role); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "granted %s on %s\n", *role, vault.Slug)
	}

	fmt.Fprintf(os.Stderr, "updated user %q\n", user)
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

func promptYesNo(prompt string) (bool, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
