package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"giftmarket.dev/internal/identity"
)

// Administrators cannot self-register through a gateway; operators create
// them here, already verified.
func adminCmd(e *env) *cobra.Command {
	var email, password, name string

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a verified administrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := e.stores(ctx, true)
			if err != nil {
				return err
			}
			defer st.Close()

			registry := identity.NewRegistry(st.Identities, nil)
			ident, err := registry.Register(ctx, identity.Registration{
				Email:    email,
				Password: password,
				Role:     identity.RoleAdmin,
				Profile:  identity.AdminProfile{DisplayName: name},
			})
			if err != nil {
				return err
			}
			if err := st.Identities.MarkVerified(ctx, identity.RoleAdmin, ident.ID, time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", ident.ID, ident.Email)
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "administrator email")
	create.Flags().StringVar(&password, "password", "", "initial password")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")
	_ = create.MarkFlagRequired("name")

	cmd := &cobra.Command{Use: "admin", Short: "Manage administrators"}
	cmd.AddCommand(create)
	return cmd
}
