// Program dissect is a command-line utility for decoding packet captures with
// the dissect engine.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for decoding packet captures.",
		Commands: []*command.C{
			{
				Name:  "pack",
				Usage: "<pattern> <argument>...",
				Help:  packHelp,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &packFlags)
				},
				Run: runPack,
			},
			{
				Name:  "decode",
				Usage: "<capture-file>...",
				Help: `Decode capture files and print a summary of each frame.

Each capture file is a sequence of records as written by "pack", optionally
compressed with zstd. The files are decoded in order by a single session, so
frame indices continue from one file to the next.

Decoders are loaded from the plugins named by --plugins and by the plugins
setting of the configuration file. A plugin that cannot be loaded is reported
and skipped. With --o, the decoded frames are also exported: to a bbolt
database if the name ends in ".db", otherwise to a CBOR stream.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &decodeFlags)
				},
				Run: runDecode,
			},
			{
				Name:  "show",
				Usage: "<export-file>",
				Help:  "Print a summary of each frame in an export written by decode.",
				Run:   runShow,
			},
			{
				Name:  "tokens",
				Usage: "<export-file>",
				Help:  "Print the token table of an export written by decode.",
				Run:   runTokens,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
