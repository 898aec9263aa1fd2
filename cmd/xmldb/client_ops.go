package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
)

func newClientListCommand(cfg *clientCLIConfig) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "ls [path]",
		Aliases: []string{"list"},
		Short:   "List child collections and resources",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, err := cfg.collection(ctx, firstArg(args))
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			children, err := col.ChildCollections(ctx)
			if err != nil {
				return err
			}
			resources, err := col.Resources(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !long {
				for _, name := range children {
					fmt.Fprintf(out, "%s/\n", name)
				}
				for _, name := range resources {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, name := range children {
				fmt.Fprintf(tw, "collection\t-\t-\t%s/\n", name)
			}
			for _, name := range resources {
				st, err := statResource(ctx, col, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Type, humanizeBytes(st.Length), st.Modified, name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "include type, size and modification time")
	return cmd
}

func newClientGetCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Write a resource's content to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, name, err := cfg.parent(ctx, args[0])
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			res, err := col.Resource(ctx, name)
			if err != nil {
				return err
			}
			defer res.Close()
			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			return res.ContentTo(ctx, w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newClientPutCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		file   string
		binary bool
		mime   string
	)
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Store a resource from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var content api.Content
			switch {
			case file != "" && file != "-":
				content = api.File(file)
			case file == "-" || stdinIsPipe():
				content = api.Stream(cmd.InOrStdin(), -1)
			default:
				return fmt.Errorf("nothing to store: pass --file or pipe content on stdin")
			}
			typ := api.XMLResource
			if binary {
				typ = api.BinaryResource
			}
			col, name, err := cfg.parent(ctx, args[0])
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			res, err := col.CreateResource(ctx, name, typ)
			if err != nil {
				return err
			}
			defer res.Close()
			if mime != "" {
				res.SetMimeType(mime)
			}
			if err := res.SetContent(content); err != nil {
				return err
			}
			if err := col.StoreResource(ctx, res); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Path())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read content from this file (- for stdin)")
	cmd.Flags().BoolVarP(&binary, "binary", "b", false, "store as a binary resource instead of XML")
	cmd.Flags().StringVar(&mime, "mime", "", "mime type (defaults by resource type)")
	return cmd
}

func newClientRemoveCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, name, err := cfg.parent(ctx, args[0])
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			res, err := col.Resource(ctx, name)
			if err != nil {
				return err
			}
			defer res.Close()
			return col.RemoveResource(ctx, res)
		},
	}
}

func newClientMkdirCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a collection and any missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, err := cfg.collection(ctx, api.RootCollection)
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			target, err := cfg.resolve(args[0])
			if err != nil {
				return err
			}
			if target == api.RootCollection {
				return api.Errorf(api.CodeInvalidURI, target, "root collection always exists")
			}
			mgr, err := client.CollectionManagerOf(ctx, col)
			if err != nil {
				return err
			}
			child, err := mgr.CreateCollection(ctx, strings.TrimPrefix(target, api.RootCollection+"/"))
			if err != nil {
				return err
			}
			defer child.Close(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), child.Path())
			return nil
		},
	}
}

func newClientRmdirCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <path>",
		Short: "Remove a collection with everything below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, name, err := cfg.parent(ctx, args[0])
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			mgr, err := client.CollectionManagerOf(ctx, col)
			if err != nil {
				return err
			}
			return mgr.RemoveCollection(ctx, name)
		},
	}
}

// target opens the collection addressed by rel and returns the name to pass
// to the user manager: "" when rel is a collection, the resource name
// otherwise.
func (c *clientCLIConfig) target(ctx context.Context, rel string, collection bool) (client.Collection, string, error) {
	if collection {
		col, err := c.collection(ctx, rel)
		return col, "", err
	}
	return c.parent(ctx, rel)
}

func newClientChmodCommand(cfg *clientCLIConfig) *cobra.Command {
	var collection bool
	cmd := &cobra.Command{
		Use:   "chmod <mode> <path>",
		Short: "Change the permission bits of a resource or collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mode, err := api.ParseMode(args[0])
			if err != nil {
				return err
			}
			col, name, err := cfg.target(ctx, args[1], collection)
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			um, err := client.UserManagerOf(ctx, col)
			if err != nil {
				return err
			}
			return um.Chmod(ctx, name, mode)
		},
	}
	cmd.Flags().BoolVarP(&collection, "collection", "C", false, "path names a collection")
	return cmd
}

func newClientChownCommand(cfg *clientCLIConfig) *cobra.Command {
	var collection bool
	cmd := &cobra.Command{
		Use:   "chown <owner[:group]> <path>",
		Short: "Change the owner and group of a resource or collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			owner, group, _ := strings.Cut(args[0], ":")
			if owner == "" {
				return fmt.Errorf("owner required")
			}
			col, name, err := cfg.target(ctx, args[1], collection)
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			um, err := client.UserManagerOf(ctx, col)
			if err != nil {
				return err
			}
			return um.Chown(ctx, name, owner, group)
		},
	}
	cmd.Flags().BoolVarP(&collection, "collection", "C", false, "path names a collection")
	return cmd
}

func newClientLockCommand(cfg *clientCLIConfig, lock bool) *cobra.Command {
	use, short := "lock <path>", "Place a user lock on a resource"
	if !lock {
		use, short = "unlock <path>", "Remove the user lock from a resource"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, name, err := cfg.parent(ctx, args[0])
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			um, err := client.UserManagerOf(ctx, col)
			if err != nil {
				return err
			}
			if lock {
				return um.LockResource(ctx, name)
			}
			return um.UnlockResource(ctx, name)
		},
	}
}

// resourceStat is the printable description of a stored resource.
type resourceStat struct {
	Path        string `json:"path" yaml:"path"`
	Type        string `json:"type" yaml:"type"`
	MimeType    string `json:"mime_type" yaml:"mime_type"`
	Length      int64  `json:"length" yaml:"length"`
	Created     string `json:"created" yaml:"created"`
	Modified    string `json:"modified" yaml:"modified"`
	Owner       string `json:"owner" yaml:"owner"`
	Group       string `json:"group" yaml:"group"`
	Permissions string `json:"permissions" yaml:"permissions"`
	LockedBy    string `json:"locked_by,omitempty" yaml:"locked_by,omitempty"`
}

func statResource(ctx context.Context, col client.Collection, name string) (resourceStat, error) {
	res, err := col.Resource(ctx, name)
	if err != nil {
		return resourceStat{}, err
	}
	defer res.Close()
	st := resourceStat{Path: res.Path(), Type: string(res.Type())}
	if st.MimeType, err = res.MimeType(ctx); err != nil {
		return st, err
	}
	if st.Length, err = res.ContentLength(ctx); err != nil {
		return st, err
	}
	created, err := res.Created(ctx)
	if err != nil {
		return st, err
	}
	modified, err := res.Modified(ctx)
	if err != nil {
		return st, err
	}
	st.Created, st.Modified = formatTime(created), formatTime(modified)
	perm, err := res.Permissions(ctx)
	if err != nil {
		return st, err
	}
	st.Owner, st.Group = perm.Owner, perm.Group
	st.Permissions = fmt.Sprintf("%04o", perm.Mode)
	return st, nil
}

func newClientStatCommand(cfg *clientCLIConfig) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Describe a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, name, err := cfg.parent(ctx, args[0])
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			st, err := statResource(ctx, col, name)
			if err != nil {
				return err
			}
			um, err := client.UserManagerOf(ctx, col)
			if err != nil {
				return err
			}
			if st.LockedBy, err = um.HasUserLock(ctx, name); err != nil {
				return err
			}
			return writeStat(cmd.OutOrStdout(), st, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format (text|json|yaml)")
	return cmd
}

func writeStat(out io.Writer, st resourceStat, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		data, err := yaml.Marshal(st)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "", "text":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "path:\t%s\n", st.Path)
		fmt.Fprintf(tw, "type:\t%s (%s)\n", st.Type, st.MimeType)
		fmt.Fprintf(tw, "size:\t%s (%d bytes)\n", humanizeBytes(st.Length), st.Length)
		fmt.Fprintf(tw, "created:\t%s\n", st.Created)
		fmt.Fprintf(tw, "modified:\t%s\n", st.Modified)
		fmt.Fprintf(tw, "owner:\t%s:%s %s\n", st.Owner, st.Group, st.Permissions)
		if st.LockedBy != "" {
			fmt.Fprintf(tw, "locked by:\t%s\n", st.LockedBy)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newClientQueryCommand(cfg *clientCLIConfig) *cobra.Command {
	var (
		path     string
		retrieve bool
	)
	cmd := &cobra.Command{
		Use:   "query <expression>",
		Short: "Run a query over a collection subtree and print the hits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			col, err := cfg.collection(ctx, path)
			if err != nil {
				return err
			}
			defer col.Close(ctx)
			qs, err := client.QueryServiceOf(ctx, col)
			if err != nil {
				return err
			}
			rs, err := qs.Query(ctx, args[0])
			if err != nil {
				return err
			}
			defer qs.Release(ctx, rs)
			out := cmd.OutOrStdout()
			for i, hit := range rs.Paths {
				if !retrieve {
					fmt.Fprintln(out, hit)
					continue
				}
				content, err := qs.Retrieve(ctx, rs, i)
				if err != nil {
					return err
				}
				data, err := content.ReadAll()
				_ = content.Release()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "== %s\n%s\n", hit, data)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "in", "", "collection to query (defaults to the base URI)")
	cmd.Flags().BoolVarP(&retrieve, "retrieve", "r", false, "print the content of each hit")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
