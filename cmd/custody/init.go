package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the schema and the admin account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, created, err := bootstrap(cmd.Context(), a.db, a.cfg.Auth.AdminUser)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "Already initialized; admin account %q exists.\n", a.cfg.Auth.AdminUser)
				return nil
			}
			printInitResult(cmd.OutOrStdout(), a.cfg.Auth.AdminUser, password)
			return nil
		},
	}
}

// bootstrap creates the admin account and the person holder it acts as,
// unless an account with that name already exists. It returns the generated
// password when it created the account.
func bootstrap(ctx context.Context, database *db.DB, adminUsername string) (string, bool, error) {
	existing, err := store.GetUserByUsername(ctx, database, adminUsername)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return "", false, nil
	}

	password, err := generatePassword(16)
	if err != nil {
		return "", false, fmt.Errorf("generating password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", false, fmt.Errorf("hashing password: %w", err)
	}

	err = database.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		holder, err := store.CreateHolder(ctx, tx, adminUsername, model.HolderTypePerson)
		if err != nil {
			return err
		}
		_, err = store.CreateUser(ctx, tx, adminUsername, string(hash), model.RoleAdmin, &holder.ID)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("creating admin account: %w", err)
	}
	return password, true, nil
}

// printInitResult prints the new admin credentials.
func printInitResult(w io.Writer, username, password string) {
	fmt.Fprintln(w, "Admin account created:")
	fmt.Fprintf(w, "  Username: %s\n", username)
	fmt.Fprintf(w, "  Password: %s\n", password)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Save this password, it cannot be recovered.")
	fmt.Fprintln(w, "The admin can change it after logging in.")
}

// generatePassword creates a random password of the given length.
func generatePassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&*"
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
