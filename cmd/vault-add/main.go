package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"mdvault/internal/config"
	"mdvault/internal/store"
)

func main() {
	name := flag.String("name", "", "display name (defaults to the slug)")
	root := flag.String("root", "", "remote folder id of the vault root")
	attachments := flag.String("attachments", "", "remote folder id for attachments")
	isDefault := flag.Bool("default", false, "make this the default vault")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: vault-add -root <folder-id> [-name name] [-attachments folder-id] [-default] <slug>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 || *root == "" {
		flag.Usage()
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

	vault, err := st.CreateVault(ctx, store.Vault{
		Slug:                flag.Arg(0),
		Name:                *name,
		RootFolderID:        *root,
		AttachmentsFolderID: *attachments,
		IsDefault:           *isDefault,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("created vault %s (%s)\n", vault.Slug, vault.ID)
}
