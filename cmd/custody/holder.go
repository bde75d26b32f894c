package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

func newHolderCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holder",
		Short: "Manage holders",
	}

	var holderType string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a holder",
		Example: `  custody holder add "Main vault" --type location
  custody holder add "GIA Carlsbad" --type lab`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.ValidHolderType(holderType) {
				return fmt.Errorf("invalid holder type %q: must be person, location, lab, or customer", holderType)
			}
			h, err := store.CreateHolder(cmd.Context(), a.db, args[0], holderType)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), h, func(w io.Writer) {
				fmt.Fprintf(w, "Created holder %d: %s (%s)\n", h.ID, h.Name, h.Type)
			})
		},
	}
	add.Flags().StringVarP(&holderType, "type", "t", model.HolderTypePerson, "holder type: person, location, lab, or customer")

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List holders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			holders, err := store.ListHolders(cmd.Context(), a.db, filter)
			if err != nil {
				return err
			}
			if holders == nil {
				holders = []model.Holder{}
			}
			return a.emit(cmd.OutOrStdout(), holders, func(w io.Writer) {
				table(w, "ID\tNAME\tTYPE", func(tw *tabwriter.Writer) {
					for _, h := range holders {
						fmt.Fprintf(tw, "%d\t%s\t%s\n", h.ID, h.Name, h.Type)
					}
				})
			})
		},
	}
	list.Flags().StringVarP(&filter, "type", "t", "", "only list holders of this type")

	cmd.AddCommand(add, list)
	return cmd
}
