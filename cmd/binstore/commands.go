package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/binstore"
	"github.com/hupe1980/binstore/blobstore"
)

// withManager opens the configured stores for the duration of fn.
func (a *app) withManager(cmd *cobra.Command, fn func(ctx context.Context, m *binstore.Manager) error) error {
	ctx := cmd.Context()
	m, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}

// resolve accepts "<store>:<key>" for a configured store, otherwise a key of
// the selected store.
func (a *app) resolve(m *binstore.Manager, arg string) (blobstore.BlobStore, string, error) {
	if provider, key, err := binstore.ParseQualifiedKey(arg); err == nil {
		if s, err := m.Store(provider); err == nil {
			return s, key, nil
		}
	}
	s, err := m.Store(a.store(m))
	if err != nil {
		return nil, "", err
	}
	return s, arg, nil
}

func (a *app) putCommand() *cobra.Command {
	var id, xpath, digest string

	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Write a blob and print its qualified key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = a.stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
				if id == "" {
					id = args[0]
				}
			}
			return a.withManager(cmd, func(ctx context.Context, m *binstore.Manager) error {
				name := a.store(m)
				s, err := m.Store(name)
				if err != nil {
					return err
				}
				key, err := s.WriteBlob(ctx, blobstore.BlobContext{Reader: r, ID: id, XPath: xpath, Digest: digest})
				if err != nil {
					return err
				}
				qualified := binstore.QualifyKey(name, key)
				return a.print(map[string]string{"store": name, "key": key, "qualified": qualified}, qualified)
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Caller id, the key of docid stores (default: the file name)")
	cmd.Flags().StringVar(&xpath, "xpath", "", "Field locator used in logs and conflict errors")
	cmd.Flags().StringVar(&digest, "digest", "", "Known digest of the content")

	return cmd
}

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key> <dest|->",
		Short: "Copy a blob to a file or stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *binstore.Manager) error {
				s, key, err := a.resolve(m, args[0])
				if err != nil {
					return err
				}
				if args[1] != "-" {
					ok, err := s.ReadBlob(ctx, key, args[1])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("blob %q not found", args[0])
					}
					return nil
				}
				l, err := s.GetStream(ctx, key)
				if err != nil {
					return err
				}
				rc, ok := l.Value()
				if !ok {
					return fmt.Errorf("blob %q not found", args[0])
				}
				defer rc.Close()
				_, err = io.Copy(a.stdout, rc)
				return err
			})
		},
	}
}

func (a *app) rmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>...",
		Short: "Delete blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *binstore.Manager) error {
				for _, arg := range args {
					s, key, err := a.resolve(m, arg)
					if err != nil {
						return err
					}
					if err := s.DeleteBlob(ctx, key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (a *app) existsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Report whether a blob exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *binstore.Manager) error {
				s, key, err := a.resolve(m, args[0])
				if err != nil {
					return err
				}
				ok, err := s.Exists(ctx, key)
				if err != nil {
					return err
				}
				return a.print(map[string]any{"key": key, "exists": ok}, fmt.Sprint(ok))
			})
		},
	}
}

type storeInfo struct {
	Name        string                `json:"name"`
	Identity    string                `json:"identity"`
	KeyStrategy string                `json:"keyStrategy"`
	Versioning  bool                  `json:"versioning"`
	Cache       *blobstore.CacheStats `json:"cache,omitempty"`
}

func (a *app) statCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Describe the configured stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(_ context.Context, m *binstore.Manager) error {
				names := m.Names()
				if a.storeName != "" {
					names = []string{a.storeName}
				}
				infos := make([]storeInfo, 0, len(names))
				var text strings.Builder
				for _, name := range names {
					s, err := m.Store(name)
					if err != nil {
						return err
					}
					info := storeInfo{
						Name:        name,
						Identity:    blobstore.IdentityOf(s),
						KeyStrategy: s.KeyStrategy().String(),
						Versioning:  s.HasVersioning(),
					}
					fmt.Fprintf(&text, "%s\t%s\t%s", name, info.KeyStrategy, info.Identity)
					c, err := m.Cache(name)
					if err != nil {
						return err
					}
					if c != nil {
						stats := c.Stats()
						info.Cache = &stats
						fmt.Fprintf(&text, "\tcache: %d entries, %s, %d hits, %d misses",
							stats.Entries, humanize.IBytes(uint64(stats.SizeBytes)), stats.Hits, stats.Misses)
					}
					text.WriteByte('\n')
					infos = append(infos, info)
				}
				return a.print(infos, strings.TrimSuffix(text.String(), "\n"))
			})
		},
	}
}

func (a *app) gcCommand() *cobra.Command {
	var marks string
	var del bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect blobs not listed in the marks file",
		Long: `Runs a mark-and-sweep collection. Every key listed in the marks file
(one per line, plain or qualified) is live; the others are reported and, with
--delete, removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = a.stdin
			if marks != "-" {
				f, err := os.Open(marks)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return a.withManager(cmd, func(ctx context.Context, m *binstore.Manager) error {
				name := a.store(m)
				s, err := m.Store(name)
				if err != nil {
					return err
				}
				gc := s.GarbageCollector()
				if err := gc.Start(ctx); err != nil {
					return err
				}
				if err := markAll(gc, m, name, r); err != nil {
					_, _ = gc.Stop(ctx, false)
					return err
				}
				status, err := gc.Stop(ctx, del)
				if err != nil {
					return err
				}
				return a.print(status, fmt.Sprintf("%s (%s unmarked)", status, humanize.IBytes(uint64(status.SizeBinariesGC))))
			})
		},
	}

	cmd.Flags().StringVar(&marks, "marks", "", "File listing live keys, - for stdin")
	cmd.Flags().BoolVar(&del, "delete", false, "Delete unmarked blobs instead of only counting them")
	_ = cmd.MarkFlagRequired("marks")

	return cmd
}

// markAll marks every key read from r. Keys qualified with another
// configured store are skipped.
func markAll(gc blobstore.BinaryGarbageCollector, m *binstore.Manager, store string, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := line
		if provider, k, err := binstore.ParseQualifiedKey(line); err == nil {
			if _, err := m.Store(provider); err == nil {
				if provider != store {
					continue
				}
				key = k
			}
		}
		if err := gc.Mark(key); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (a *app) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the cache of a store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, m *binstore.Manager) error {
				name := a.store(m)
				c, err := m.Cache(name)
				if err != nil {
					return err
				}
				if c == nil {
					return errors.New("store " + name + " has no cache")
				}
				return c.Clear(ctx)
			})
		},
	})
	return cmd
}
