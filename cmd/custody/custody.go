package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/registry"
)

func newTransferCmd(a *app) *cobra.Command {
	var from int64
	var remarks string
	var check bool

	cmd := &cobra.Command{
		Use:   "transfer <item> <to-holder>",
		Short: "Hand an item to another holder",
		Long: `transfer starts a new custody leg from --from (default: the acting holder)
to the given holder. The recipient must confirm receipt before the item can
move again. With --check nothing is recorded; the command only reports
whether the transfer would be accepted.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			itemID, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			to, err := parseID(args[1], "holder")
			if err != nil {
				return err
			}
			actor, err := a.actor(ctx)
			if err != nil {
				return err
			}
			if from == 0 {
				from = actor
			}

			l := a.ledger()
			if check {
				if err := l.CanCreateTransfer(ctx, itemID, from, to); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Transfer would be accepted.")
				return nil
			}

			rec, err := l.InitiateTransfer(ctx, itemID, from, to, actor, remarks)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), rec, func(w io.Writer) { printTransfer(w, rec) })
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "holder ID sending the item")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks on the transfer record")
	cmd.Flags().BoolVar(&check, "check", false, "only report whether the transfer would be accepted")
	return cmd
}

func newConfirmCmd(a *app) *cobra.Command {
	var by int64

	cmd := &cobra.Command{
		Use:   "confirm <item>",
		Short: "Confirm that the current recipient has the item",
		Long: `confirm marks the item's open custody leg as received. With --by the
confirmation is refused unless that holder is the recipient.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID(args[0], "item")
			if err != nil {
				return err
			}

			l := a.ledger()
			var rec *model.TransferRecord
			if by != 0 {
				rec, err = l.ConfirmReceivedBy(cmd.Context(), itemID, by)
			} else {
				rec, err = l.ConfirmReceived(cmd.Context(), itemID)
			}
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), rec, func(w io.Writer) { printTransfer(w, rec) })
		},
	}

	cmd.Flags().Int64Var(&by, "by", 0, "holder ID confirming receipt")
	return cmd
}

func newLocationCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "location <item>",
		Short: "Show who holds an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			loc, err := a.ledger().CurrentLocation(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), loc, func(w io.Writer) { printLocation(w, loc) })
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <item>",
		Short: "Show an item's custody chain, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			recs, err := a.ledger().History(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []model.TransferRecord{}
			}
			return a.emit(cmd.OutOrStdout(), recs, func(w io.Writer) { printTransfers(w, recs) })
		},
	}
}

// parseChild reads a --child value of the form "name" or "name:carats".
func parseChild(s string) (registry.NewItem, error) {
	name, weight, _ := strings.Cut(s, ":")
	carats, err := parseCarats(weight)
	if err != nil {
		return registry.NewItem{}, err
	}
	return registry.NewItem{Kind: model.ItemKindStone, Name: name, Carats: carats}, nil
}

func newSplitCmd(a *app) *cobra.Command {
	var children []string

	cmd := &cobra.Command{
		Use:   "split <item>",
		Short: "Split an item into new child items",
		Long: `split registers one child stone per --child and retires the parent. The
children start out with whoever held the parent, awaiting confirmation. The
parent must be confirmed where it is, and the children together may not
weigh more than the parent.`,
		Example: `  custody split 12 --child "Stone A:1.02" --child "Stone B:0.87"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			parentID, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			actor, err := a.actor(ctx)
			if err != nil {
				return err
			}

			items := make([]registry.NewItem, 0, len(children))
			for _, c := range children {
				item, err := parseChild(c)
				if err != nil {
					return err
				}
				items = append(items, item)
			}

			l := a.ledger()
			created, recs, err := a.registry(l).Split(ctx, parentID, items, actor)
			if err != nil {
				return err
			}

			out := struct {
				Children  []model.Item           `json:"children"`
				Transfers []model.TransferRecord `json:"transfers"`
			}{created, recs}
			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Retired item %d into %d children:\n", parentID, len(created))
				for _, c := range created {
					fmt.Fprintf(w, "  %d %s\n", c.ID, c.Name)
				}
			})
		},
	}

	cmd.Flags().StringArrayVar(&children, "child", nil, `child item as "name" or "name:carats" (repeatable)`)
	_ = cmd.MarkFlagRequired("child")
	return cmd
}
