// Command pcdict packs trained dictionaries into the packetcomp container
// format and inspects dictionary and capture files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/absfs/packetcomp"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "pack":
		err = cmdPack(args, os.Stdout)
	case "inspect":
		err = cmdInspect(args, os.Stdout)
	case "capinfo":
		err = cmdCapInfo(args, os.Stdout)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pcdict %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pcdict - packet compression dictionary tool

Usage: pcdict <command> [options]

Commands:
  pack      Wrap a raw trained dictionary into a .pcdf container
  inspect   Load dictionaries through the store and print their parameters
  capinfo   Summarize capture files

Examples:
  pcdict pack -in server.dict -out dict/server.pcdf -hash-bits 16
  pcdict inspect -dir dict server.pcdf client.pcdf
  pcdict inspect -dir dict -sample packet.bin server.pcdf
  pcdict capinfo -dir captures packets_v1.2.0_20240101-120000_<session>_out.pccap.zst`)
}

// setup loads configuration and builds the logger every command shares.
func setup(fs *flag.FlagSet, args []string) (*packetcomp.Config, *zap.Logger, error) {
	configPath := fs.String("config", "", "config file (default: search ./packetcomp.yaml)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := packetcomp.LoadConfig(*configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := packetcomp.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func cmdPack(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	in := fs.String("in", "", "raw dictionary content")
	out := fs.String("out", "", "output container path")
	hashBits := fs.Int("hash-bits", 16, "log2 of the match finder table size")
	level := fs.Uint("level", 0, "encoder level 1-4 (0: derive from hash-bits)")
	id := fs.Uint("id", 0, "frame dictionary id (0: derive from content)")
	_, log, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer log.Sync()

	if *in == "" || *out == "" {
		return fmt.Errorf("-in and -out are required")
	}
	content, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	f := packetcomp.DictionaryFile{
		HashTableBits: *hashBits,
		Content:       content,
		State:         packetcomp.CodecState{Level: uint8(*level), DictID: uint32(*id)},
	}
	// Building the dictionary validates it exactly as a load would.
	d, err := packetcomp.NewDictionary(*out, f)
	if err != nil {
		return err
	}

	dir := filepath.Dir(*out)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fsys, err := packetcomp.NewDirFS(dir)
	if err != nil {
		return err
	}
	if err := packetcomp.WriteDictionaryFile(fsys, filepath.Base(*out), f); err != nil {
		return err
	}
	log.Info("dictionary packed",
		zap.String("out", *out),
		zap.Int("size", d.Size()),
		zap.Uint32("id", d.ID()),
		zap.Stringer("level", d.Level()),
	)
	fmt.Fprintf(w, "%s: %d bytes, id %#08x, level %s\n", *out, d.Size(), d.ID(), d.Level())
	return nil
}

func cmdInspect(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("dir", ".", "directory dictionaries are resolved in")
	sample := fs.String("sample", "", "packet to compress with each dictionary")
	cfg, log, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer log.Sync()

	if fs.NArg() == 0 {
		return fmt.Errorf("no dictionary files given")
	}
	fsys, err := packetcomp.NewDirFS(*dir)
	if err != nil {
		return err
	}
	var packet []byte
	if *sample != "" {
		if packet, err = os.ReadFile(*sample); err != nil {
			return err
		}
	}

	store := packetcomp.NewDictionaryStore(fsys, packetcomp.WithStoreLogger(log))
	for _, name := range fs.Args() {
		h, err := store.Load(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n  size:       %d\n  id:         %#08x\n  hash bits:  %d\n  level:      %s\n",
			h.Path(), h.Size(), h.ID(), h.HashTableBits(), h.Level())
		if packet != nil {
			if err := compressSample(w, store, cfg, name, packet); err != nil {
				h.Release()
				return err
			}
		}
		h.Release()
	}
	return nil
}

// compressSample sends packet through a transform using name for both
// directions and prints the result.
func compressSample(w io.Writer, store *packetcomp.DictionaryStore, cfg *packetcomp.Config, name string, packet []byte) error {
	c := *cfg
	c.Enabled = true
	c.ServerDictionary = name
	c.ClientDictionary = name
	c.DictionaryPolicy = packetcomp.PolicyStrict
	c.Capture.Enabled = false

	stats := packetcomp.NewStatsAggregator()
	t, err := packetcomp.NewTransform(store, &c, packetcomp.RoleInitiator, packetcomp.WithStats(stats))
	if err != nil {
		return err
	}
	defer t.Close()

	p := packetcomp.NewPacket(packet)
	if err := t.Outgoing(p); err != nil {
		return err
	}
	life := stats.Lifetime()
	fmt.Fprintf(w, "  sample:     %d -> %d bytes (%.1f%% saved, compressed=%v)\n",
		life.RawOut, life.CompressedOut, life.OutSavings(), life.CompressedPacketsOut > 0)
	return nil
}

func cmdCapInfo(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("capinfo", flag.ExitOnError)
	dir := fs.String("dir", ".", "directory capture files are resolved in")
	_, log, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer log.Sync()

	if fs.NArg() == 0 {
		return fmt.Errorf("no capture files given")
	}
	fsys, err := packetcomp.NewDirFS(*dir)
	if err != nil {
		return err
	}
	for _, name := range fs.Args() {
		cf, err := packetcomp.ReadCaptureFile(fsys, name)
		if err != nil {
			return err
		}
		var total int
		for _, r := range cf.Records {
			total += len(r)
		}
		fmt.Fprintf(w, "%s\n  direction:  %s\n  build:      %s\n  started:    %s\n  stream:     %s\n  records:    %d\n  bytes:      %d\n",
			name, cf.Direction, cf.Build, cf.Start.UTC().Format("2006-01-02 15:04:05"), cf.Algorithm, len(cf.Records), total)
	}
	return nil
}
