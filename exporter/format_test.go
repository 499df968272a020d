package exporter

import (
	"strings"
	"testing"
	"time"

	"github.com/lauditd/lauditd/changelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "lustre-MDT0000"

var (
	testZone = time.FixedZone("CET", 3600)
	testTime = time.Date(2024, 3, 1, 12, 34, 56, 123456789, time.UTC)
	testFID  = changelog.FID{Seq: 0x200000007, Oid: 0x1, Ver: 0x0}
)

func newTestFormatter(limit int) *Formatter {
	return NewFormatter(testDevice, limit).WithLocation(testZone)
}

func TestFormat_NoOptionalSegments(t *testing.T) {
	f := newTestFormatter(0)
	line, err := f.Format(changelog.Record{
		Index:  42,
		Time:   testTime,
		Type:   changelog.TypeCreate,
		Target: testFID,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"2024-03-01T13:34:56.123456+0100 mdt=lustre-MDT0000 id=42 type=CREAT flags=0x0 target=[0x200000007:0x1:0x0]\n",
		string(line))
}

func TestFormat_PadsShortTypes(t *testing.T) {
	f := newTestFormatter(0)
	line, err := f.Format(changelog.Record{Index: 1, Time: testTime, Type: changelog.TypeHSM, Target: testFID})
	require.NoError(t, err)
	assert.Contains(t, string(line), " type=HSM   flags=0x0 ")

	line, err = f.Format(changelog.Record{Index: 2, Time: testTime, Type: changelog.TypeResync, Target: testFID})
	require.NoError(t, err)
	assert.Contains(t, string(line), " type=RESYNC flags=0x0 ")
}

func TestFormat_AllSegments(t *testing.T) {
	f := newTestFormatter(0)
	line, err := f.Format(changelog.Record{
		Index:        7,
		Time:         testTime,
		Type:         changelog.TypeRename,
		Flags:        changelog.FlagExtra | changelog.FlagJobID | changelog.FlagRename | 0x1,
		Extra:        changelog.ExtraUIDGID | changelog.ExtraNID,
		UID:          500,
		GID:          501,
		JobID:        "dd.500",
		NID:          "10.0.0.1@tcp",
		Target:       testFID,
		Source:       changelog.FID{Seq: 1, Oid: 2},
		SourceParent: changelog.FID{Seq: 1, Oid: 3},
		SourceName:   "old",
		Parent:       changelog.FID{Seq: 1, Oid: 4},
		Name:         "new",
	})
	require.NoError(t, err)
	assert.Equal(t,
		"2024-03-01T13:34:56.123456+0100 mdt=lustre-MDT0000 id=7 type=RENME flags=0x1"+
			" uid=500 gid=501 jobid=dd.500 nid=10.0.0.1@tcp target=[0x200000007:0x1:0x0]"+
			` source=[0x1:0x2:0x0] source_parent=[0x1:0x3:0x0] source_name="old"`+
			` parent=[0x1:0x4:0x0] name="new"`+"\n",
		string(line))
}

func TestFormat_OptionalSegmentConditions(t *testing.T) {
	base := changelog.Record{Index: 1, Time: testTime, Type: changelog.TypeRename, Target: testFID}

	tests := []struct {
		name    string
		mutate  func(r *changelog.Record)
		present []string
		absent  []string
	}{
		{
			name: "rename flag with null source",
			mutate: func(r *changelog.Record) {
				r.Flags = changelog.FlagRename
				r.SourceName = "old"
			},
			absent: []string{"source="},
		},
		{
			name: "source without rename flag",
			mutate: func(r *changelog.Record) {
				r.Source = changelog.FID{Seq: 1, Oid: 2}
			},
			absent: []string{"source="},
		},
		{
			name: "extra bits without extra flag",
			mutate: func(r *changelog.Record) {
				r.Extra = changelog.ExtraUIDGID | changelog.ExtraNID
				r.UID = 1
				r.NID = "0@lo"
			},
			absent: []string{"uid=", "nid="},
		},
		{
			name: "uid only",
			mutate: func(r *changelog.Record) {
				r.Flags = changelog.FlagExtra
				r.Extra = changelog.ExtraUIDGID
			},
			present: []string{" uid=0 gid=0 "},
			absent:  []string{"nid="},
		},
		{
			name: "empty job id",
			mutate: func(r *changelog.Record) {
				r.Flags = changelog.FlagJobID
			},
			absent: []string{"jobid="},
		},
		{
			name: "job id without flag",
			mutate: func(r *changelog.Record) {
				r.JobID = "cp.0"
			},
			absent: []string{"jobid="},
		},
		{
			name: "type flags are masked",
			mutate: func(r *changelog.Record) {
				r.Flags = changelog.FlagJobID | 0xabc
			},
			present: []string{" flags=0xabc "},
		},
		{
			name: "name with zero parent",
			mutate: func(r *changelog.Record) {
				r.Name = "f"
			},
			present: []string{` parent=[0x0:0x0:0x0] name="f"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base
			tt.mutate(&rec)
			line, err := newTestFormatter(0).Format(rec)
			require.NoError(t, err)
			for _, s := range tt.present {
				assert.Contains(t, string(line), s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, string(line), s)
			}
			assert.True(t, strings.HasSuffix(string(line), "\n"))
			assert.Equal(t, 1, strings.Count(string(line), "\n"))
		})
	}
}

func TestFormat_LineBound(t *testing.T) {
	rec := changelog.Record{Index: 1, Time: testTime, Type: changelog.TypeCreate, Target: testFID}
	line, err := newTestFormatter(0).Format(rec)
	require.NoError(t, err)
	exact := len(line)

	_, err = newTestFormatter(exact).Format(rec)
	assert.NoError(t, err)

	f := newTestFormatter(exact - 1)
	_, err = f.Format(rec)
	assert.ErrorIs(t, err, ErrLineOverflow)

	rec.Name = strings.Repeat("x", DefaultMaxLineBytes)
	_, err = newTestFormatter(0).Format(rec)
	assert.ErrorIs(t, err, ErrLineOverflow)

	// The formatter stays usable after an overflow
	short := changelog.Record{Index: 2, Time: testTime, Type: changelog.TypeMark, Target: testFID}
	f = newTestFormatter(0)
	_, err = f.Format(rec)
	require.Error(t, err)
	line, err = f.Format(short)
	require.NoError(t, err)
	assert.Contains(t, string(line), " id=2 type=MARK  ")
}

func TestFormat_DefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultMaxLineBytes, NewFormatter(testDevice, 0).Limit())
	assert.Equal(t, 512, NewFormatter(testDevice, 512).Limit())
}

func TestFormat_EscapesEmbeddedLineBreaks(t *testing.T) {
	f := newTestFormatter(0)
	line, err := f.Format(changelog.Record{
		Index:  5,
		Time:   testTime,
		Type:   changelog.TypeCreate,
		Target: testFID,
		Parent: testFID,
		Name:   "evil\n1970-01-01T00:00:00.000000+0000 mdt=x id=999 type=UNLNK flags=0x0 target=[0x1:0x1:0x0]",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(string(line), "\n"))
	assert.True(t, strings.HasSuffix(string(line), "\n"))
	assert.Contains(t, string(line), `name="evil\n1970-01-01T00:00:00.000000+0000 mdt=x id=999`)
}

func TestFormat_EscapesFieldValues(t *testing.T) {
	tests := []struct {
		name string
		rec  changelog.Record
		want string
	}{
		{
			name: "quote and backslash in name",
			rec:  changelog.Record{Parent: testFID, Name: `a"b\c`},
			want: ` name="a\"b\\c"`,
		},
		{
			name: "control bytes in name",
			rec:  changelog.Record{Parent: testFID, Name: "a\tb\rc\x00d\x7f"},
			want: ` name="a\tb\rc\x00d\x7f"`,
		},
		{
			name: "utf-8 and spaces kept inside quotes",
			rec:  changelog.Record{Parent: testFID, Name: "naïve file"},
			want: ` name="naïve file"`,
		},
		{
			name: "source name",
			rec: changelog.Record{
				Flags:      changelog.FlagRename,
				Source:     testFID,
				SourceName: "old\nname",
			},
			want: ` source_name="old\nname"`,
		},
		{
			name: "space in job id",
			rec:  changelog.Record{Flags: changelog.FlagJobID, JobID: "job 1\n"},
			want: ` jobid=job\x201\n `,
		},
		{
			name: "nid",
			rec: changelog.Record{
				Flags: changelog.FlagExtra,
				Extra: changelog.ExtraNID,
				NID:   "10.0.0.1@tcp id=1",
			},
			want: ` nid=10.0.0.1@tcp\x20id=1 `,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			rec.Index = 1
			rec.Time = testTime
			rec.Type = changelog.TypeRename
			rec.Target = testFID

			line, err := newTestFormatter(0).Format(rec)
			require.NoError(t, err)
			assert.Contains(t, string(line), tt.want)
			assert.Equal(t, 1, strings.Count(string(line), "\n"))
		})
	}
}
