package main

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/exporter"
)

// Sequence of generated FIDs, the first regular file sequence on a fresh MDT
const generatedFIDSeq = 0x200000400

// defaultMix is the weight of each record type in a generated workload
var defaultMix = map[changelog.EventType]int{
	changelog.TypeCreate:  20,
	changelog.TypeMkdir:   5,
	changelog.TypeOpen:    25,
	changelog.TypeClose:   25,
	changelog.TypeUnlink:  8,
	changelog.TypeRename:  4,
	changelog.TypeSetattr: 8,
	changelog.TypeMtime:   5,
}

// RecordGenerator produces a plausible stream of namespace records.
// Not safe for concurrent use.
type RecordGenerator struct {
	rng        *rand.Rand
	types      []changelog.EventType
	thresholds []int
	total      int

	nextOid uint32
	root    changelog.FID
	now     time.Time
}

// NewRecordGenerator creates a generator drawing from mix
func NewRecordGenerator(mix map[changelog.EventType]int, seed int64) (*RecordGenerator, error) {
	g := &RecordGenerator{
		rng:  rand.New(rand.NewSource(seed)),
		root: changelog.FID{Seq: generatedFIDSeq, Oid: 1},
		now:  time.Now(),
	}

	// Build cumulative thresholds in a stable order
	for _, t := range changelog.EventTypes() {
		w, ok := mix[t]
		if !ok || w <= 0 {
			continue
		}
		g.total += w
		g.types = append(g.types, t)
		g.thresholds = append(g.thresholds, g.total)
	}
	if g.total == 0 {
		return nil, fmt.Errorf("empty record type mix")
	}
	g.nextOid = 1
	return g, nil
}

func (g *RecordGenerator) pickType() changelog.EventType {
	n := g.rng.Intn(g.total)
	for i, th := range g.thresholds {
		if n < th {
			return g.types[i]
		}
	}
	return g.types[len(g.types)-1]
}

func (g *RecordGenerator) newFID() changelog.FID {
	g.nextOid++
	return changelog.FID{Seq: generatedFIDSeq, Oid: g.nextOid}
}

func (g *RecordGenerator) existingFID() changelog.FID {
	if g.nextOid <= 1 {
		return g.newFID()
	}
	return changelog.FID{Seq: generatedFIDSeq, Oid: uint32(g.rng.Int63n(int64(g.nextOid-1))) + 2}
}

// Next returns the next record. Index is left for the log to assign.
func (g *RecordGenerator) Next() changelog.Record {
	g.now = g.now.Add(time.Duration(g.rng.Intn(1000)) * time.Microsecond)

	rec := changelog.Record{
		Time:  g.now,
		Type:  g.pickType(),
		Flags: changelog.FlagExtra | changelog.FlagJobID,
		Extra: changelog.ExtraUIDGID | changelog.ExtraNID,
		UID:   uint64(1000 + g.rng.Intn(16)),
		GID:   uint64(1000 + g.rng.Intn(4)),
		NID:   fmt.Sprintf("10.0.%d.%d@tcp", g.rng.Intn(4), 1+g.rng.Intn(254)),
		JobID: fmt.Sprintf("job.%d", g.rng.Intn(100)),
	}

	switch rec.Type {
	case changelog.TypeCreate, changelog.TypeMkdir:
		rec.Target = g.newFID()
		rec.Parent = g.root
		rec.Name = fmt.Sprintf("f%08d", rec.Target.Oid)
	case changelog.TypeUnlink:
		rec.Target = g.existingFID()
		rec.Parent = g.root
		rec.Name = fmt.Sprintf("f%08d", rec.Target.Oid)
	case changelog.TypeRename:
		rec.Flags |= changelog.FlagRename
		rec.Target = g.existingFID()
		rec.Parent = g.root
		rec.Name = fmt.Sprintf("r%08d", rec.Target.Oid)
		rec.Source = rec.Target
		rec.SourceParent = g.root
		rec.SourceName = fmt.Sprintf("f%08d", rec.Target.Oid)
	case changelog.TypeOpen:
		rec.Target = g.existingFID()
		rec.Extra |= changelog.ExtraOpenMode
		rec.OpenMode = uint32(g.rng.Intn(3))
	default:
		rec.Target = g.existingFID()
	}
	return rec
}

func runGenerate(args []string, out io.Writer) error {
	var sf storeFlags
	fs := newFlagSet("generate", &sf)
	count := fs.Int("count", 1000, "Number of records")
	batch := fs.Int("batch", 100, "Records per append")
	seed := fs.Int64("seed", 1, "Random seed")
	types := fs.String("types", "", "Comma-separated record types to draw from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if *batch < 1 {
		return fmt.Errorf("--batch must be at least 1")
	}

	mix := defaultMix
	if *types != "" {
		selected, err := exporter.ParseTypeList(*types)
		if err != nil {
			return err
		}
		mix = make(map[changelog.EventType]int)
		for _, t := range selected.Types() {
			mix[t] = 1
		}
	}

	gen, err := NewRecordGenerator(mix, *seed)
	if err != nil {
		return err
	}

	return withLog(sf, func(l *changelog.Log) error {
		start := time.Now()
		records := make([]changelog.Record, 0, *batch)
		for written := 0; written < *count; {
			records = records[:0]
			for i := 0; i < *batch && written+i < *count; i++ {
				records = append(records, gen.Next())
			}
			if err := l.Append(sf.device, records); err != nil {
				return err
			}
			written += len(records)
		}

		elapsed := time.Since(start)
		fmt.Fprintf(out, "%s: generated %s records in %s, last index %s\n", sf.device,
			humanize.Comma(int64(*count)), elapsed.Round(time.Millisecond),
			humanize.Comma(int64(l.LastIndex(sf.device))))
		return nil
	})
}
