package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/registry"
	"github.com/erazemk/custody/internal/store"
)

func newItemCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Register and inspect items",
	}
	cmd.AddCommand(newIntakeCmd(a), newShowCmd(a))
	return cmd
}

func parseCarats(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid carat weight %q", s)
	}
	return decimal.NewNullDecimal(d), nil
}

func newIntakeCmd(a *app) *cobra.Command {
	var (
		kind, carats, description, remarks string
		from, to                           int64
		confirmed                          bool
	)

	cmd := &cobra.Command{
		Use:   "intake <name>",
		Short: "Register an item and record who received it",
		Long: `intake registers a new item and writes its first custody record in one
step. The record is sent by --from (default: the acting holder) to --to
(default: the sender) and awaits confirmation unless --confirmed is given.`,
		Example: `  custody item intake "Parcel 2024-117" --carats 12.40 --to 3
  custody item intake "Walk-in stone" --kind stone --confirmed`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			actor, err := a.actor(ctx)
			if err != nil {
				return err
			}
			weight, err := parseCarats(carats)
			if err != nil {
				return err
			}
			if from == 0 {
				from = actor
			}
			if to == 0 {
				to = from
			}

			var opts []ledger.SeedOption
			if confirmed {
				opts = append(opts, ledger.SeedConfirmed())
			}
			if remarks != "" {
				opts = append(opts, ledger.SeedRemarks(remarks))
			}

			l := a.ledger()
			item, rec, err := a.registry(l).Intake(ctx, registry.NewItem{
				Kind:        model.ItemKind(kind),
				Name:        args[0],
				Description: description,
				Carats:      weight,
			}, from, to, actor, opts...)
			if err != nil {
				return err
			}

			out := struct {
				Item     *model.Item           `json:"item"`
				Transfer *model.TransferRecord `json:"transfer"`
			}{item, rec}
			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Registered item %d: %s (%s, ref %s)\n", item.ID, item.Name, item.Kind, item.Ref)
				printTransfer(w, rec)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&kind, "kind", string(model.ItemKindParcel), "item kind: parcel or stone")
	f.StringVar(&carats, "carats", "", "weight in carats")
	f.StringVar(&description, "description", "", "free-form description")
	f.StringVar(&remarks, "remarks", "", "remarks on the intake record")
	f.Int64Var(&from, "from", 0, "holder ID handing the item over")
	f.Int64Var(&to, "to", 0, "holder ID receiving the item")
	f.BoolVar(&confirmed, "confirmed", false, "record the receipt as already confirmed")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item>",
		Short: "Show an item, where it is, and what it was split into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0], "item")
			if err != nil {
				return err
			}
			item, err := store.GetItem(ctx, a.db, id)
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("item %d not found", id)
			}

			var loc *model.Location
			if !item.Retired() {
				loc, err = a.ledger().CurrentLocation(ctx, id)
				if err != nil && !errors.Is(err, ledger.ErrNotTracked) {
					return err
				}
			}
			children, err := store.ListChildren(ctx, a.db, id)
			if err != nil {
				return err
			}
			if children == nil {
				children = []model.Item{}
			}

			out := struct {
				Item     *model.Item     `json:"item"`
				Location *model.Location `json:"location"`
				Children []model.Item    `json:"children"`
			}{item, loc, children}
			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Item %d: %s (%s)\n", item.ID, item.Name, item.Kind)
				fmt.Fprintf(w, "  Ref:     %s\n", item.Ref)
				if item.Carats.Valid {
					fmt.Fprintf(w, "  Carats:  %s\n", item.Carats.Decimal.StringFixed(2))
				}
				if item.ParentID != nil {
					fmt.Fprintf(w, "  Split from item %d\n", *item.ParentID)
				}
				switch {
				case item.Retired():
					fmt.Fprintf(w, "  Retired: %s\n", stamp(*item.RetiredAt))
				case loc == nil:
					fmt.Fprintln(w, "  No custody recorded")
				default:
					fmt.Fprintf(w, "  Holder:  %s (%d), %s\n", loc.HolderName, loc.HolderID, loc.Status)
				}
				for _, c := range children {
					fmt.Fprintf(w, "  Child:   %d %s\n", c.ID, c.Name)
				}
			})
		},
	}
}
