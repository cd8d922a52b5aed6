// Command tstorebench drives simple write/read/delete workloads against a
// tstore.Store for ad hoc throughput measurement, in the spirit of the
// teacher's brimstore-valuesstore benchmark tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/gholt/brimutil"
	"github.com/gholt/tstore"
	"github.com/gholt/tstore/replicator"
)

type optsStruct struct {
	Cores      int    `long:"cores" description:"Number of cores. Default: CPU core count"`
	Number     int    `short:"n" long:"number" description:"Number of keys." default:"10000"`
	Length     int    `short:"l" long:"length" description:"Length of values." default:"100"`
	Random     int    `long:"random" description:"Random number seed."`
	Dir        string `long:"dir" description:"Checkpoint directory." default:"tstorebench-data"`
	Positional struct {
		Tests []string `name:"tests" description:"write read delete"`
	} `positional-args:"yes"`
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

type rawBytesSerializer struct{}

func (rawBytesSerializer) Write(v []byte, w io.Writer) (int, error) { return w.Write(v) }

func (rawBytesSerializer) Read(r io.Reader) ([]byte, error) { return io.ReadAll(r) }

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	}
	opts.Cores = runtime.GOMAXPROCS(0)

	keyspace := make([]byte, opts.Number*16)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(keyspace)
	value := make([]byte, opts.Length)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(value)

	encodeKey := func(k [16]byte) []byte { return append([]byte(nil), k[:]...) }
	decodeKey := func(b []byte) ([16]byte, error) {
		var k [16]byte
		copy(k[:], b)
		return k, nil
	}
	cmp := func(a, b [16]byte) int {
		for i := range a {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	}

	store := tstore.NewStore[[16]byte, []byte](
		opts.Dir, cmp, encodeKey, decodeKey, rawBytesSerializer{}, replicator.NewFake(),
		tstore.OptCores(opts.Cores),
	)
	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.ChangeRoleAsync(ctx, true); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, test := range opts.Positional.Tests {
		start := time.Now()
		switch test {
		case "write":
			runWrite(ctx, store, keyspace, value)
		case "read":
			runRead(ctx, store, keyspace)
		case "delete":
			runDelete(ctx, store, keyspace)
		default:
			fmt.Fprintf(os.Stderr, "unknown test %q\n", test)
			os.Exit(1)
		}
		elapsed := time.Since(start)
		fmt.Printf("%s: %d keys in %s (%.0f/s)\n", test, opts.Number, elapsed, float64(opts.Number)/elapsed.Seconds())
	}
}

func keyAt(keyspace []byte, i int) [16]byte {
	var k [16]byte
	copy(k[:], keyspace[i*16:i*16+16])
	return k
}

func runWrite(ctx context.Context, store *tstore.Store[[16]byte, []byte], keyspace, value []byte) {
	tx, _ := store.BeginTransaction(ctx, tstore.ReadCommitted, 0)
	for i := 0; i < opts.Number; i++ {
		store.Add(ctx, tx, keyAt(keyspace, i), value)
	}
	if err := store.Commit(ctx, tx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func runRead(ctx context.Context, store *tstore.Store[[16]byte, []byte], keyspace []byte) {
	tx, _ := store.BeginTransaction(ctx, tstore.ReadCommitted, ^uint64(0))
	for i := 0; i < opts.Number; i++ {
		store.Get(ctx, tx, keyAt(keyspace, i), tstore.ReadModeDefault)
	}
}

func runDelete(ctx context.Context, store *tstore.Store[[16]byte, []byte], keyspace []byte) {
	tx, _ := store.BeginTransaction(ctx, tstore.ReadCommitted, ^uint64(0))
	for i := 0; i < opts.Number; i++ {
		store.Remove(ctx, tx, keyAt(keyspace, i))
	}
	if err := store.Commit(ctx, tx); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
