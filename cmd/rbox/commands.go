package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rboxmail/rbox/internal/attr"
	"github.com/rboxmail/rbox/internal/index"
	"github.com/rboxmail/rbox/internal/mailstore"
)

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid uid %q", s)
	}
	return uint32(v), nil
}

func parseUIDs(args []string) ([]uint32, error) {
	uids := make([]uint32, 0, len(args))
	for _, a := range args {
		uid, err := parseUID(a)
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

func newSaveCmd() *cobra.Command {
	var (
		flags    uint16
		keywords []string
		from     string
		uidl     string
		received string
	)
	cmd := &cobra.Command{
		Use:   "save <tenant> <mailbox> [file]",
		Short: "Store a message read from a file or stdin",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 3 {
				f, err := os.Open(args[2])
				if err != nil {
					return fmt.Errorf("open message: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			payload, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}

			opts := mailstore.SaveOptions{
				Flags:        flags,
				Keywords:     keywords,
				FromEnvelope: from,
				POP3UIDL:     uidl,
			}
			if received != "" {
				opts.Received, err = time.Parse(time.RFC3339, received)
				if err != nil {
					return fmt.Errorf("invalid --received: %w", err)
				}
			}

			return withStorage(cmd, args[0], true, func(ctx context.Context, s *mailstore.Storage) error {
				mbox, err := s.Mailbox(ctx, args[1], true)
				if err != nil {
					return err
				}
				entry, err := s.Save(ctx, mbox, payload, opts)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", entry.UID, entry.OID)
				return nil
			})
		},
	}
	cmd.Flags().Uint16Var(&flags, "flags", 0, "system flag bits")
	cmd.Flags().StringSliceVarP(&keywords, "keyword", "k", nil, "keyword to set (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "envelope sender")
	cmd.Flags().StringVar(&uidl, "pop3-uidl", "", "POP3 UIDL")
	cmd.Flags().StringVar(&received, "received", "", "received date (RFC3339), default now")
	return cmd
}

func newCatCmd() *cobra.Command {
	var showAttrs bool
	cmd := &cobra.Command{
		Use:   "cat <tenant> <mailbox> <uid>",
		Short: "Print a stored message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[2])
			if err != nil {
				return err
			}
			return withStorage(cmd, args[0], false, func(ctx context.Context, s *mailstore.Storage) error {
				mbox, err := s.Mailbox(ctx, args[1], false)
				if err != nil {
					return err
				}
				r, err := s.Get(ctx, mbox, uid, !showAttrs)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !showAttrs {
					_, err = out.Write(r.Payload())
					return err
				}

				attrs := r.Attrs()
				keys := make([]attr.Key, 0, len(attrs))
				for k := range attrs {
					keys = append(keys, k)
				}
				sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "oid\t%s\n", r.ID)
				for _, k := range keys {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", k.Name(), attrs[k])
				}
				kw := r.Keywords()
				names := make([]string, 0, len(kw))
				for name := range kw {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					_, _ = fmt.Fprintf(w, "keyword\t%s\n", name)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&showAttrs, "attrs", "a", false, "print attributes instead of the message")
	return cmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <tenant> [mailbox]",
		Short: "List mailboxes, or the messages of one mailbox",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, args[0], false, func(ctx context.Context, s *mailstore.Storage) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				if len(args) == 1 {
					boxes, err := s.Index().Mailboxes(ctx)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(w, "NAME\tGUID\tMESSAGES\tNEXT UID")
					for _, mbox := range boxes {
						h, err := s.Index().Header(ctx, mbox)
						if err != nil {
							return err
						}
						_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", mbox.Name, mbox.GUID, h.Messages, h.NextUID)
					}
					return w.Flush()
				}

				mbox, err := s.Mailbox(ctx, args[1], false)
				if err != nil {
					return err
				}
				entries, err := s.Index().Entries(ctx, mbox)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, "UID\tOID\tFLAGS\tTIER\tKEYWORDS")
				for _, e := range entries {
					_, _ = fmt.Fprintf(w, "%d\t%s\t%#x\t%s\t%v\n", e.UID, e.OID, e.Flags, tierName(e), e.Keywords)
				}
				return w.Flush()
			})
		},
	}
}

func tierName(e index.Entry) string {
	if e.Alt {
		return "alternate"
	}
	return "primary"
}

func newNsCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "ns <tenant>",
		Short: "Print the namespace a tenant's objects live in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, args[0], create, func(ctx context.Context, s *mailstore.Storage) error {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), s.Namespace())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create the mapping if it does not exist")
	return cmd
}

func newCopyCmd() *cobra.Command {
	var toTenant string
	cmd := &cobra.Command{
		Use:   "copy <tenant> <mailbox> <uid> <dest-mailbox>",
		Short: "Copy a message to another mailbox",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[2])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			src, err := e.storage(ctx, args[0], false)
			if err != nil {
				return err
			}
			dst := src
			if toTenant != "" && toTenant != args[0] {
				if dst, err = e.storage(ctx, toTenant, true); err != nil {
					return err
				}
			}
			srcBox, err := src.Mailbox(ctx, args[1], false)
			if err != nil {
				return err
			}
			dstBox, err := dst.Mailbox(ctx, args[3], true)
			if err != nil {
				return err
			}
			entry, err := src.CopyTo(ctx, srcBox, uid, dst, dstBox)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", entry.UID, entry.OID)
			return nil
		},
	}
	cmd.Flags().StringVar(&toTenant, "to-tenant", "", "destination tenant, default the source tenant")
	return cmd
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <tenant> <mailbox> <uid> <dest-mailbox>",
		Short: "Move a message to another mailbox of the same tenant",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[2])
			if err != nil {
				return err
			}
			return withStorage(cmd, args[0], false, func(ctx context.Context, s *mailstore.Storage) error {
				src, err := s.Mailbox(ctx, args[1], false)
				if err != nil {
					return err
				}
				dst, err := s.Mailbox(ctx, args[3], true)
				if err != nil {
					return err
				}
				entry, err := s.Move(ctx, src, uid, dst)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", entry.UID, entry.OID)
				return nil
			})
		},
	}
}

func newExpungeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expunge <tenant> <mailbox> <uid>...",
		Short: "Expunge messages and remove their objects",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			uids, err := parseUIDs(args[2:])
			if err != nil {
				return err
			}
			return withStorage(cmd, args[0], false, func(ctx context.Context, s *mailstore.Storage) error {
				mbox, err := s.Mailbox(ctx, args[1], false)
				if err != nil {
					return err
				}
				failed, err := s.Expunge(ctx, mbox, uids...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expunged %d, failed %d\n", len(uids)-failed, failed)
				return nil
			})
		},
	}
}

func newAltCmd() *cobra.Command {
	var back bool
	cmd := &cobra.Command{
		Use:   "alt <tenant> <mailbox> <uid>...",
		Short: "Move messages to the alternate storage tier",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			uids, err := parseUIDs(args[2:])
			if err != nil {
				return err
			}
			return withStorage(cmd, args[0], false, func(ctx context.Context, s *mailstore.Storage) error {
				mbox, err := s.Mailbox(ctx, args[1], false)
				if err != nil {
					return err
				}
				failed, err := s.MoveToAlt(ctx, mbox, !back, uids...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "migrated %d, failed %d\n", len(uids)-failed, failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&back, "back", false, "move back to the primary tier")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "rebuild <tenant> <mailbox>",
		Short: "Rebuild a mailbox index from the stored objects",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd, args[0], false, func(ctx context.Context, s *mailstore.Storage) error {
				res, err := s.Rebuild(ctx, args[1], reset)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mode %s, recovered %d, skipped %d, next uid %d\n",
					res.Mode, res.Recovered, res.Skipped, res.Header.NextUID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "drop existing index entries first")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
