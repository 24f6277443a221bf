// Command bwtfs formats host files and puts, gets, and deletes objects in
// them from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"

	flag "github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"github.com/zaoweiceng/bwtfs"
	"github.com/zaoweiceng/bwtfs/internal/config"
)

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			return true
		}
	}
	return false
}

type verb struct {
	fn   func(ctx context.Context, cfg config.Config, args []string) error
	help string
}

func main() {
	ctx, canc := bwtfs.InterruptibleContext()
	defer canc()

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(workDir, os.Getenv("BWTFS_CONFIG"), config.Config{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	verbs := map[string]verb{
		"format": {cmdFormat, "format --path <file> --size <bytes> [--blocksize N] [--carrier file]"},
		"put":    {cmdPut, "put --path <file> [--blocksize N] (reads stdin, prints the token)"},
		"get":    {cmdGet, "get --path <file> --token <token> [--blocksize N] (writes stdout)"},
		"delete": {cmdDelete, "delete --path <file> --token <token> [--blocksize N]"},
	}

	args := os.Args[1:]
	name := ""
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	v, ok := verbs[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "syntax: bwtfs <command> [options]\n\ncommands:\n")
		for _, v := range verbs {
			fmt.Fprintf(os.Stderr, "  %s\n", v.help)
		}
		os.Exit(2)
	}
	if err := v.fn(ctx, cfg, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		bwtfs.RunAtExit()
		os.Exit(1)
	}
	if err := bwtfs.RunAtExit(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdFormat(ctx context.Context, cfg config.Config, args []string) error {
	if hasHelpFlag(args) {
		fmt.Println("Usage: bwtfs format --path <file> --size <bytes> [--blocksize N] [--carrier file]")
		return nil
	}
	flagSet := flag.NewFlagSet("format", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	path := flagSet.StringP("path", "p", cfg.HostPath, "host file to create")
	size := flagSet.Int64P("size", "s", cfg.MinSystemSize, "total usable size in bytes")
	blockSize := flagSet.IntP("blocksize", "b", cfg.BlockSize, "block size in bytes")
	carrier := flagSet.StringP("carrier", "c", cfg.CarrierPath, "optional carrier file prepended to the host file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return xerrors.New("format: --path is required")
	}
	store, err := bwtfs.Create(*path, *size, *blockSize, *carrier, log.Default())
	if err != nil {
		return err
	}
	bwtfs.RegisterAtExit(store.Close)
	fmt.Printf("formatted %s: %d bytes used, %d bytes free\n", *path, store.UsedBytes(), store.FreeBytes())
	return nil
}

func cmdPut(ctx context.Context, cfg config.Config, args []string) error {
	if hasHelpFlag(args) {
		fmt.Println("Usage: bwtfs put --path <file> [--blocksize N] (reads stdin, prints the token)")
		return nil
	}
	flagSet := flag.NewFlagSet("put", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	path := flagSet.StringP("path", "p", cfg.HostPath, "host file")
	blockSize := flagSet.IntP("blocksize", "b", cfg.BlockSize, "block size in bytes")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return xerrors.New("put: --path is required")
	}
	store, err := bwtfs.Open(*path, *blockSize, log.Default())
	if err != nil {
		return err
	}
	bwtfs.RegisterAtExit(store.Close)
	data, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		return xerrors.Errorf("reading stdin: %w", bwtfs.ErrIO)
	}
	tok, err := store.Put(ctx, data)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func cmdGet(ctx context.Context, cfg config.Config, args []string) error {
	if hasHelpFlag(args) {
		fmt.Println("Usage: bwtfs get --path <file> --token <token> [--blocksize N] (writes stdout)")
		return nil
	}
	flagSet := flag.NewFlagSet("get", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	path := flagSet.StringP("path", "p", cfg.HostPath, "host file")
	tok := flagSet.StringP("token", "t", "", "access token")
	blockSize := flagSet.IntP("blocksize", "b", cfg.BlockSize, "block size in bytes")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *path == "" || *tok == "" {
		return xerrors.New("get: --path and --token are required")
	}
	store, err := bwtfs.Open(*path, *blockSize, log.Default())
	if err != nil {
		return err
	}
	bwtfs.RegisterAtExit(store.Close)
	data, err := store.Get(*tok)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdDelete(ctx context.Context, cfg config.Config, args []string) error {
	if hasHelpFlag(args) {
		fmt.Println("Usage: bwtfs delete --path <file> --token <token> [--blocksize N]")
		return nil
	}
	flagSet := flag.NewFlagSet("delete", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	path := flagSet.StringP("path", "p", cfg.HostPath, "host file")
	tok := flagSet.StringP("token", "t", "", "access token")
	blockSize := flagSet.IntP("blocksize", "b", cfg.BlockSize, "block size in bytes")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *path == "" || *tok == "" {
		return xerrors.New("delete: --path and --token are required")
	}
	store, err := bwtfs.Open(*path, *blockSize, log.Default())
	if err != nil {
		return err
	}
	bwtfs.RegisterAtExit(store.Close)
	return store.Delete(*tok)
}
