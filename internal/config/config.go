package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/errhandler"
	"github.com/S0me0neR0man/quadstash/internal/index"
	"github.com/S0me0neR0man/quadstash/internal/loader"
	"github.com/S0me0neR0man/quadstash/internal/monitor"
	"github.com/S0me0neR0man/quadstash/internal/store"
)

type Config struct {
	StoreFile     string
	BlockSize     int
	Arity         int
	Indexes       []string // empty - default indexes for the arity
	Strategy      loader.Strategy
	Workers       int // 0 - one per secondary index
	Duplicates    index.Duplicates
	ErrorPolicy   string
	ProgressEvery int64
	Input         string // "-" - stdin
}

// NewConfig parses args (without the program name). Every flag defaults to
// the environment variable of the same name.
func NewConfig(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	f := fs.String("STORE_FILE", env("STORE_FILE", "db/quadstash.data"), "store file")
	bs := fs.Int("BLOCK_SIZE", envInt("BLOCK_SIZE", 4096), "block size of a new store file")
	a := fs.Int("ARITY", envInt("ARITY", 3), "tuple arity of a new store, 3 or 4")
	ix := fs.String("INDEXES", env("INDEXES", ""), "comma separated index descriptors of a new store, primary first")
	st := fs.String("STRATEGY", env("STRATEGY", "sequential"), "secondary index build: sequential or parallel")
	w := fs.Int("WORKERS", envInt("WORKERS", 0), "parallel secondary builds, 0 - all at once")
	d := fs.String("DUPLICATES", env("DUPLICATES", "set"), "duplicate policy of a new store: set or multiset")
	ep := fs.String("ERROR_POLICY", env("ERROR_POLICY", "std"), "std, warn, nowarn, strict or silent")
	pe := fs.Int64("PROGRESS_EVERY", envInt64("PROGRESS_EVERY", monitor.DefaultEvery), "tuples between progress events")
	in := fs.String("INPUT", env("INPUT", "-"), "tuple file, - for stdin")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	strategy, err := loader.ParseStrategy(*st)
	if err != nil {
		return nil, err
	}
	dups, err := index.ParseDuplicates(*d)
	if err != nil {
		return nil, err
	}
	if _, err := errhandler.ByName(*ep, zap.NewNop()); err != nil {
		return nil, err
	}
	if *bs < block.MinBlockSize {
		return nil, fmt.Errorf("BLOCK_SIZE %d below %d", *bs, block.MinBlockSize)
	}
	if *pe <= 0 {
		return nil, fmt.Errorf("PROGRESS_EVERY must be positive, got %d", *pe)
	}

	var indexes []string
	for _, s := range strings.Split(*ix, ",") {
		if s = strings.TrimSpace(s); s != "" {
			indexes = append(indexes, s)
		}
	}
	if len(indexes) == 0 && store.DefaultIndexes(*a) == nil {
		return nil, fmt.Errorf("ARITY %d has no default indexes, set INDEXES", *a)
	}

	return &Config{
		StoreFile:     *f,
		BlockSize:     *bs,
		Arity:         *a,
		Indexes:       indexes,
		Strategy:      strategy,
		Workers:       *w,
		Duplicates:    dups,
		ErrorPolicy:   *ep,
		ProgressEvery: *pe,
		Input:         *in,
	}, nil
}

// StoreOptions options for a store file created by this configuration
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Arity:      c.Arity,
		Indexes:    c.Indexes,
		Duplicates: c.Duplicates,
		BlockSize:  c.BlockSize,
	}
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(env(key, "")); err == nil {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, err := strconv.ParseInt(env(key, ""), 10, 64); err == nil {
		return v
	}
	return def
}
