package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/annel0/memreplay/internal/auth"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/annel0/memreplay/internal/synth"
	"github.com/annel0/memreplay/internal/trace"
	"github.com/dustin/go-humanize"
)

const defaultServer = "local:/tmp/.memreplay"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "streams":
		err = streamsCmd(os.Args[2:], os.Stdout)
	case "synth":
		err = synthCmd(os.Args[2:], os.Stdout)
	case "dump":
		err = dumpCmd(os.Args[2:], os.Stdout)
	case "hash-password":
		err = hashPasswordCmd(os.Args[2:], os.Stdin, os.Stdout)
	default:
		fmt.Printf("❌ Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Println("usage: trace-cli <command> [flags] store")
	fmt.Println("       trace-cli hash-password [-secret] [password]")
	fmt.Println("Available commands: streams, synth, dump, hash-password")
}

func openStore(fs *flag.FlagSet, server string) (storage.Backend, error) {
	if fs.NArg() != 1 {
		return nil, errors.New("store name expected")
	}
	return storage.OpenStore(server, fs.Arg(0))
}

// streamsCmd выводит каталог потоков
func streamsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("streams", flag.ContinueOnError)
	server := fs.String("s", defaultServer, "store server")
	asJSON := fs.Bool("json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, *server)
	if err != nil {
		return err
	}
	defer store.Close()

	streams, err := store.Streams(context.Background())
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(streams)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tENTRY\tCOUNT\tRAW\tSTORED")
	for _, s := range streams {
		entry := fmt.Sprintf("%d", s.Descriptor.EntrySize)
		if s.Descriptor.IsVariable() {
			entry = "var"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Descriptor.Name, s.Descriptor.Type, entry,
			humanize.Comma(int64(s.EntryCount)),
			humanize.IBytes(s.RawSize), humanize.IBytes(s.CompressedSize))
	}
	return tw.Flush()
}

// synthCmd пишет синтетическую трассу
func synthCmd(args []string, out io.Writer) error {
	defaults := synth.DefaultOptions()
	fs := flag.NewFlagSet("synth", flag.ContinueOnError)
	server := fs.String("s", defaultServer, "store server")
	stream := fs.String("m", defaults.WriteStream, "memory write stream name")
	ramMiB := fs.Uint64("r", defaults.RamSize>>20, "RAM size in MiB")
	writes := fs.Int("n", defaults.Writes, "number of memory writes")
	hotspots := fs.Int("hot", defaults.Hotspots, "number of hot regions")
	seed := fs.Int64("seed", defaults.Seed, "random seed")
	screenEvery := fs.Int("screen", 0, "screen dump every N writes (0 = none)")
	cr3Every := fs.Int("cr3", 0, "CR3 switch every N writes (0 = none)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, *server)
	if err != nil {
		return err
	}
	defer store.Close()
	if bs, ok := store.(*storage.BadgerStore); ok {
		bs.SetLogger(logging.GetStoreLogger())
	}

	opts := defaults
	opts.WriteStream = *stream
	opts.RamSize = *ramMiB << 20
	opts.Writes = *writes
	opts.Hotspots = *hotspots
	opts.Seed = *seed
	opts.ScreenEvery = *screenEvery
	opts.Cr3Every = *cr3Every

	sum, err := synth.Generate(context.Background(), store, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %s: %s writes, %d screens, %d cr3 switches, last cycle %d\n",
		fs.Arg(0), humanize.Comma(int64(sum.Writes)), sum.Screens, sum.Cr3Switches, sum.LastCycle)
	return nil
}

// dumpCmd выводит записи потока в текстовом виде
func dumpCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	server := fs.String("s", defaultServer, "store server")
	stream := fs.String("m", trace.DefaultWriteStream, "stream name")
	start := fs.Uint64("start", 0, "first entry")
	limit := fs.Int("limit", 20, "maximum number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(fs, *server)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	info, err := store.FindStream(ctx, *stream)
	if err != nil {
		return err
	}
	if info.Descriptor.IsVariable() {
		return fmt.Errorf("stream %s has variable-size entries", *stream)
	}
	h, err := store.Open(ctx, info.ID, *start)
	if err != nil {
		return err
	}
	defer h.Close()

	for i := 0; i < *limit; i++ {
		b, err := h.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%8d  %s\n", *start+uint64(i), formatEntry(info.Descriptor, b))
	}
	return nil
}

func formatEntry(desc trace.StreamDescriptor, b []byte) string {
	switch desc.Type {
	case trace.DataMemoryAccess64Type:
		m, err := trace.DecodeMemoryAccess(b)
		if err != nil {
			return err.Error()
		}
		size, err := m.Size()
		if err != nil {
			return fmt.Sprintf("cycle=%d addr=0x%x %v", m.Cycle, m.Address, err)
		}
		return fmt.Sprintf("cycle=%d ip=0x%x addr=0x%x size=%d data=0x%x", m.Cycle, m.IP, m.Address, size, m.Data)
	case trace.ScreenType:
		s, err := trace.DecodeScreenEntry(b)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("cycle=%d screen=%dx%d ref=%d", s.Cycle, s.Width, s.Height, s.Reference)
	case trace.Cr3SwitchType:
		c, err := trace.DecodeCr3Entry(b)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("cycle=%d cr3=0x%x", c.Cycle, c.Cr3)
	default:
		return logging.HexDump(b)
	}
}

// hashPasswordCmd печатает секцию auth конфигурации с bcrypt-хешем пароля.
// Без аргумента пароль читается первой строкой из in.
func hashPasswordCmd(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	withSecret := fs.Bool("secret", false, "also generate jwt_secret")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var password string
	switch fs.NArg() {
	case 0:
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	case 1:
		password = fs.Arg(0)
	default:
		return errors.New("at most one password expected")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "auth:")
	if *withSecret {
		secret, err := auth.GenerateSecureSecret()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  jwt_secret: %q\n", secret)
	}
	fmt.Fprintf(out, "  operator_password_hash: %q\n", hash)
	return nil
}
