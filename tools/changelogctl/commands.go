package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/exporter"
)

const (
	defaultDataDir = "./lauditd-data"
	defaultDevice  = "lustre-MDT0000"
)

// storeFlags are shared by every command that opens the changelog
type storeFlags struct {
	dataDir string
	device  string
}

func newFlagSet(name string, sf *storeFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&sf.dataDir, "data-dir", defaultDataDir, "Changelog store directory")
	fs.StringVar(&sf.device, "device", defaultDevice, "Changelog device")
	return fs
}

// withLog opens the changelog, runs fn and closes the store again
func withLog(sf storeFlags, fn func(l *changelog.Log) error) (err error) {
	l, err := changelog.NewLog(sf.dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := l.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(l)
}

func runRegister(args []string, out io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("register", &sf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withLog(sf, func(l *changelog.Log) error {
		id, err := l.Register(sf.device)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id)
		return nil
	})
}

func runDeregister(args []string, out io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("deregister", &sf)
	consumer := fs.String("consumer", "", "Consumer id to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *consumer == "" {
		return fmt.Errorf("--consumer is required")
	}

	return withLog(sf, func(l *changelog.Log) error {
		if err := l.Deregister(sf.device, *consumer); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: deregistered %s\n", sf.device, *consumer)
		return nil
	})
}

func runUsers(args []string, out io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("users", &sf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withLog(sf, func(l *changelog.Log) error {
		users, err := l.Users(sf.device)
		if err != nil {
			return err
		}
		last := l.LastIndex(sf.device)

		fmt.Fprintf(out, "%s: current index: %s\n", sf.device, humanize.Comma(int64(last)))
		fmt.Fprintf(out, "%-8s %20s %20s\n", "ID", "CHECKPOINT", "BACKLOG")
		for _, u := range users {
			var backlog uint64
			if last > u.Checkpoint {
				backlog = last - u.Checkpoint
			}
			fmt.Fprintf(out, "%-8s %20s %20s\n", u.ID,
				humanize.Comma(int64(u.Checkpoint)), humanize.Comma(int64(backlog)))
		}
		return nil
	})
}

func runAppend(args []string, in io.Reader, out io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("append", &sf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	records, err := readRecords(in)
	if err != nil {
		return err
	}

	return withLog(sf, func(l *changelog.Log) error {
		if err := l.Append(sf.device, records); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: appended %s records (%d-%d)\n", sf.device,
			humanize.Comma(int64(len(records))), records[0].Index, records[len(records)-1].Index)
		return nil
	})
}

// readRecords decodes a JSON array or a stream of JSON records
func readRecords(in io.Reader) ([]changelog.Record, error) {
	body, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	body = bytes.TrimSpace(body)

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var records []changelog.Record
	if len(body) > 0 && body[0] == '[' {
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("invalid record array: %w", err)
		}
	} else {
		for dec.More() {
			var rec changelog.Record
			if err := dec.Decode(&rec); err != nil {
				return nil, fmt.Errorf("invalid record %d: %w", len(records)+1, err)
			}
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no records on input")
	}
	return records, nil
}

func runDump(args []string, out io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("dump", &sf)
	consumer := fs.String("consumer", "", "Registered consumer id")
	from := fs.Uint64("from", 0, "First index to print")
	limit := fs.Int("limit", 0, "Maximum records to print (0 = all)")
	asJSON := fs.Bool("json", false, "Print records as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *consumer == "" {
		return fmt.Errorf("--consumer is required")
	}

	return withLog(sf, func(l *changelog.Log) error {
		ctx := context.Background()
		cur, err := changelog.OpenCursor(ctx, l, *consumer, sf.device, *from, changelog.DefaultExtendedFields)
		if err != nil {
			return err
		}
		defer cur.Close()

		formatter := exporter.NewFormatter(sf.device, 0)
		enc := json.NewEncoder(out)
		for n := 0; *limit == 0 || n < *limit; n++ {
			rec, err := cur.Next(ctx)
			if errors.Is(err, changelog.ErrEndOfBatch) {
				return nil
			}
			if err != nil {
				return err
			}

			if *asJSON {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				continue
			}
			line, err := formatter.Format(rec)
			if err != nil {
				return err
			}
			if _, err := out.Write(line); err != nil {
				return err
			}
		}
		return nil
	})
}
