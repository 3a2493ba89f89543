package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/db"
	"brandwriter/jobwatch-service/internal/export"
	"brandwriter/jobwatch-service/internal/job"
	"brandwriter/jobwatch-service/internal/listfilter"
	"brandwriter/jobwatch-service/internal/watch"
)

// collections maps CLI names onto the standard backend collections.
var collections = map[string]func(*apiclient.Client) *apiclient.Resource{
	"basket":    (*apiclient.Client).Basket,
	"schedules": (*apiclient.Client).Schedules,
	"templates": (*apiclient.Client).Templates,
	"brands":    (*apiclient.Client).Brands,
	"campaigns": (*apiclient.Client).Campaigns,
}

func collectionNames() []string { return slices.Sorted(maps.Keys(collections)) }

func (a *app) collection(name string) (*apiclient.Resource, error) {
	open, ok := collections[strings.ToLower(name)]
	if !ok {
		return nil, &watch.ValidationError{
			Msg: fmt.Sprintf("unknown collection %q (want %s)", name, strings.Join(collectionNames(), ", ")),
		}
	}
	return open(a.client()), nil
}

// readData parses a --data value: inline JSON, or @path to read it from a file.
func readData(raw string) (any, error) {
	if raw == "" {
		return nil, &watch.ValidationError{Msg: "--data is required"}
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		data = b
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &watch.ValidationError{Msg: fmt.Sprintf("--data is not valid JSON: %v", err)}
	}
	return v, nil
}

// ─── resource ────────────────────────────────────────────────────────────────

func (a *app) resourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "List and edit backend collections (" + strings.Join(collectionNames(), ", ") + ")",
	}
	cmd.AddCommand(
		a.resourceListCommand(),
		a.resourceGetCommand(),
		a.resourceWriteCommand("create"),
		a.resourceWriteCommand("update"),
		a.resourceDeleteCommand(),
	)
	return cmd
}

func (a *app) resourceListCommand() *cobra.Command {
	var (
		out     outputFlags
		filters listFlags
	)
	var platform, itemType, category, tone string
	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List a collection, filtered server-side where possible and client-side otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.collection(args[0])
			if err != nil {
				return err
			}
			spec := filters.spec()
			spec.Platform, spec.ItemType, spec.Category, spec.Tone = platform, itemType, category, tone

			var items []apiclient.Item
			if err := res.List(cmd.Context(), spec.QueryParams(), &items); err != nil {
				return fmt.Errorf("list %s: %w", args[0], err)
			}
			items = listfilter.Apply(items, spec)
			return out.write(cmd, export.Items(strings.ToLower(args[0]), items), items)
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform, or all")
	cmd.Flags().StringVar(&itemType, "item-type", "", "item type, or all")
	cmd.Flags().StringVar(&category, "category", "", "category, or all")
	cmd.Flags().StringVar(&tone, "tone", "", "tone, or all")
	filters.register(cmd, listfilter.SortNone)
	out.register(cmd)
	return cmd
}

func (a *app) resourceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.collection(args[0])
			if err != nil {
				return err
			}
			var item apiclient.Item
			if err := res.Get(cmd.Context(), args[1], &item); err != nil {
				return err
			}
			return export.Write(cmd.OutOrStdout(), export.FormatJSON, export.Table{}, item)
		},
	}
}

// resourceWriteCommand builds create (POST) or update (PATCH).
func (a *app) resourceWriteCommand(verb string) *cobra.Command {
	var data string
	use, nargs := "create <collection>", 1
	if verb == "update" {
		use, nargs = "update <collection> <id>", 2
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " an item from a JSON document",
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.collection(args[0])
			if err != nil {
				return err
			}
			body, err := readData(data)
			if err != nil {
				return err
			}
			var item apiclient.Item
			if verb == "update" {
				err = res.Update(cmd.Context(), args[1], body, &item)
			} else {
				err = res.Create(cmd.Context(), body, &item)
			}
			if err != nil {
				return err
			}
			return export.Write(cmd.OutOrStdout(), export.FormatJSON, export.Table{}, item)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON document, or @file")
	return cmd
}

func (a *app) resourceDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete one item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.collection(args[0])
			if err != nil {
				return err
			}
			if err := res.Delete(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s %s\n", strings.ToLower(args[0]), args[1])
			return nil
		},
	}
}

// ─── watches ─────────────────────────────────────────────────────────────────

func (a *app) watchesCommand() *cobra.Command {
	var (
		out  outputFlags
		kind string
	)
	cmd := &cobra.Command{
		Use:   "watches",
		Short: "List the watches persisted by the service, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(a.cfg.DatabaseURL) == "" {
				return &watch.ValidationError{Msg: "DATABASE_URL is required"}
			}
			var want job.Kind
			if kind != "" {
				k, err := job.ParseKind(kind)
				if err != nil {
					return &watch.ValidationError{Msg: err.Error()}
				}
				want = k
			}

			ctx := cmd.Context()
			pool, err := db.NewPostgresPool(ctx, a.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			defer pool.Close()

			ws, err := watch.NewPostgresRepository(pool).List(ctx)
			if err != nil {
				return err
			}
			if want != "" {
				ws = slices.DeleteFunc(ws, func(w watch.Watch) bool { return w.Kind != want })
			}
			return out.write(cmd, export.Watches(ws), ws)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "scan, verification or batch")
	out.register(cmd)
	return cmd
}
