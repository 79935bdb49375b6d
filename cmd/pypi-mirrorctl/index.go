package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/pypimirror/internal/master"
)

var (
	sinceSerial    int64
	metadataSerial int64
	quietFetch     bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every project on the index with its last serial",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		withMaster(func(ctx context.Context, m *master.Master) error {
			packages, err := m.ListAllPackages(ctx)
			if err != nil {
				return err
			}
			printSerials(packages)
			return nil
		})
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes --since SERIAL",
	Short: "List projects changed after a serial",
	Long: `List projects changed after a serial, each with the highest serial
observed for it.

Examples:
  pypi-mirrorctl changes --since 21000000`,
	Args: cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		withMaster(func(ctx context.Context, m *master.Master) error {
			changed, err := m.ChangedSince(ctx, sinceSerial)
			if err != nil {
				return err
			}
			printSerials(changed)
			return nil
		})
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata NAME",
	Short: "Print the JSON metadata of a project",
	Long: `Print the JSON metadata of a project. With --serial the response must
carry at least that serial, otherwise it is rejected as stale.

Examples:
  pypi-mirrorctl metadata requests
  pypi-mirrorctl metadata requests --serial 21000000`,
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		withMaster(func(ctx context.Context, m *master.Master) error {
			md, err := m.FetchPackageMetadata(ctx, args[0], metadataSerial)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(md.Raw, '\n'))
			return err
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch URL DEST",
	Short: "Download a single file",
	Long: `Download a single file through the configured session.

The file is written in place; an interrupted download leaves a partial file.

Examples:
  pypi-mirrorctl fetch https://files.pythonhosted.org/packages/.../requests-2.32.3.tar.gz /tmp/requests.tar.gz`,
	Args: cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		withMaster(func(ctx context.Context, m *master.Master) error {
			opts := &master.FileOptions{}
			if !quietFetch {
				bar := pb.New64(0).SetTemplate(pb.ProgressBarTemplate(`{{counters . }} {{speed . }}`))
				bar.SetWriter(os.Stderr)
				bar.Set(pb.Bytes, true)
				bar.Start()
				defer bar.Finish()
				opts.Progress = func(n int64) { bar.Add64(n) }
			}
			_, err := m.FetchFile(ctx, args[0], args[1], opts)
			return err
		})
	},
}

// withMaster runs fn with an open Master built from the configuration.
func withMaster(fn func(context.Context, *master.Master) error) {
	config, err := loadConfig(false)
	exitOnError("failed to load configuration", err)

	m, err := master.New(config.MasterOptions(userAgent()))
	exitOnError("invalid master configuration", err)

	ctx, cancel := signalContext()
	defer cancel()

	exitOnError("failed to open session", m.Open(ctx))
	err = fn(ctx, m)
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	exitOnError("request failed", err)
	writeMetrics()
}

func printSerials(serials map[string]int64) {
	names := make([]string, 0, len(serials))
	for name := range serials {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s\t%d\n", name, serials[name])
	}
}
