// Command bibctl is the operator CLI for a running syncd.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/bibsync/internal/config"
	"github.com/and161185/bibsync/internal/controlpb"
	"github.com/and161185/bibsync/internal/model"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type globals struct {
	cfgPath    string
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
	timeout    time.Duration
	asJSON     bool
}

// call dials the daemon and runs fn with a bounded context.
func (g *globals) call(cmd *cobra.Command, fn func(ctx context.Context, c *controlpb.ControlClient) error) error {
	cfg, err := config.Load(g.cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	cc, client, err := dial(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer cc.Close()
	return fn(ctx, client)
}

func (g *globals) show(cmd *cobra.Command, s *structpb.Struct, human func(*cobra.Command, *structpb.Struct) error) error {
	if g.asJSON || human == nil {
		return printJSON(cmd.OutOrStdout(), s)
	}
	return human(cmd, s)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "bibctl",
		Short:         "Control a running bibsync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.cfgPath, "config", "", "path to YAML config (control.addr, control.jwt_key)")
	pf.StringVar(&g.addr, "addr", "", "daemon address (overrides control.addr)")
	pf.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&g.skipVerify, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&g.plaintext, "plaintext", false, "connect without TLS")
	pf.DurationVar(&g.timeout, "timeout", 10*time.Minute, "overall call timeout")
	pf.BoolVar(&g.asJSON, "json", false, "print raw JSON responses")

	root.AddCommand(
		versionCmd(),
		syncCmd(g),
		statusCmd(g),
		librariesCmd(g),
		conflictsCmd(g),
		recordCmd(g, "item", model.KindItem),
		recordCmd(g, "collection", model.KindCollection),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bibctl %s (%s)\n", version, buildDate)
		},
	}
}

func syncCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				res, err := c.Sync(ctx)
				if err != nil {
					return err
				}
				return g.show(cmd, res, func(cmd *cobra.Command, s *structpb.Struct) error {
					return printResult(cmd.OutOrStdout(), s)
				})
			})
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a cycle is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func librariesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "libraries",
		Aliases: []string{"libs"},
		Short:   "List libraries and their watermarks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				libs, err := c.ListLibraries(ctx)
				if err != nil {
					return err
				}
				return g.show(cmd, libs, func(cmd *cobra.Command, s *structpb.Struct) error {
					return printLibraries(cmd.OutOrStdout(), s)
				})
			})
		},
	}
}

func conflictsCmd(g *globals) *cobra.Command {
	root := &cobra.Command{Use: "conflicts", Short: "Inspect and resolve conflicts"}

	var kind string
	ls := &cobra.Command{
		Use:   "list",
		Short: "List conflicts with field differences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := request(map[string]any{"kind": kind})
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				out, err := c.ListConflicts(ctx, req)
				if err != nil {
					return err
				}
				return g.show(cmd, out, func(cmd *cobra.Command, s *structpb.Struct) error {
					return printConflicts(cmd.OutOrStdout(), s)
				})
			})
		},
	}
	ls.Flags().StringVar(&kind, "kind", string(model.KindItem), "item or collection")

	var (
		lib       int64
		action    string
		keyKind   string
		allAction string
	)
	resolve := &cobra.Command{
		Use:   "resolve KEY",
		Short: "Resolve one conflict (keep-local or accept-remote)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := model.ParseResolution(action); err != nil {
				return err
			}
			m := map[string]any{"libraryId": lib, "key": args[0], "action": action}
			if keyKind != "" {
				m["kind"] = keyKind
			}
			req, err := request(m)
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				if _, err := c.ResolveConflict(ctx, req); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], action)
				return nil
			})
		},
	}
	resolve.Flags().Int64Var(&lib, "library", 0, "library id")
	resolve.Flags().StringVar(&action, "action", "", "keep-local or accept-remote")
	resolve.Flags().StringVar(&keyKind, "kind", "", "item or collection (default: look up both)")
	_ = resolve.MarkFlagRequired("library")
	_ = resolve.MarkFlagRequired("action")

	resolveAll := &cobra.Command{
		Use:   "resolve-all",
		Short: "Apply one resolution to every conflict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := model.ParseResolution(allAction); err != nil {
				return err
			}
			req, err := request(map[string]any{"action": allAction})
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				out, err := c.ResolveAllConflicts(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", str(out.AsMap()["resolved"]))
				return nil
			})
		},
	}
	resolveAll.Flags().StringVar(&allAction, "action", "", "keep-local or accept-remote")
	_ = resolveAll.MarkFlagRequired("action")

	root.AddCommand(ls, resolve, resolveAll)
	return root
}

// recordCmd builds create/edit/rm for one kind.
func recordCmd(g *globals, name string, kind model.Kind) *cobra.Command {
	root := &cobra.Command{Use: name, Short: "Record local " + name + " edits for the next push"}

	var (
		lib  int64
		file string
		sets []string
	)
	addDataFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&file, "file", "", "JSON object with fields (- for stdin)")
		c.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable; value may be JSON)")
	}
	withLibrary := func(c *cobra.Command) *cobra.Command {
		c.Flags().Int64Var(&lib, "library", 0, "library id")
		_ = c.MarkFlagRequired("library")
		return c
	}

	create := withLibrary(&cobra.Command{
		Use:   "create",
		Short: "Create a " + name,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := parseData(file, sets)
			if err != nil {
				return err
			}
			req, err := request(map[string]any{"kind": string(kind), "libraryId": lib, "data": data})
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				out, err := c.CreateRecord(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	})
	addDataFlags(create)

	edit := withLibrary(&cobra.Command{
		Use:   "edit KEY",
		Short: "Change fields of a " + name,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(file, sets)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return fmt.Errorf("nothing to change: use --set or --file")
			}
			req, err := request(map[string]any{"kind": string(kind), "libraryId": lib, "key": args[0], "data": data})
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				out, err := c.EditRecord(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	})
	addDataFlags(edit)

	rm := withLibrary(&cobra.Command{
		Use:   "rm KEY",
		Short: "Delete a " + name,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := request(map[string]any{"kind": string(kind), "libraryId": lib, "key": args[0]})
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *controlpb.ControlClient) error {
				if _, err := c.DeleteRecord(ctx, req); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s marked deleted\n", args[0])
				return nil
			})
		},
	})

	root.AddCommand(create, edit, rm)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "bibctl:", err)
		os.Exit(1)
	}
}
