package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lauditd/lauditd/changelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--data-dir", dir}, args[1:]...)
	err := dispatch(args[0], full, strings.NewReader(stdin), &out)
	return out.String(), err
}

const sampleRecords = `{"type":"CREAT","flags":0,"target":"[0x200000007:0x2:0x0]","parent":"[0x200000007:0x1:0x0]","name":"a"}
{"type":"OPEN","flags":0,"target":"[0x200000007:0x2:0x0]"}
{"type":"CLOSE","flags":0,"target":"[0x200000007:0x2:0x0]"}
`

func TestRegisterAppendDump(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "", "register")
	require.NoError(t, err)
	assert.Equal(t, "cl1\n", out)

	out, err = run(t, dir, sampleRecords, "append")
	require.NoError(t, err)
	assert.Contains(t, out, "appended 3 records (1-3)")

	out, err = run(t, dir, "", "users")
	require.NoError(t, err)
	assert.Contains(t, out, "current index: 3")
	assert.Regexp(t, `cl1\s+0\s+3`, out)

	out, err = run(t, dir, "", "dump", "--consumer", "cl1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], " mdt=lustre-MDT0000 id=1 type=CREAT flags=0x0 target=[0x200000007:0x2:0x0] parent=[0x200000007:0x1:0x0] name=\"a\"")
	assert.Contains(t, lines[1], " id=2 type=OPEN  ")
	assert.Contains(t, lines[2], " id=3 type=CLOSE ")

	// Dumping does not acknowledge
	out, err = run(t, dir, "", "dump", "--consumer", "cl1", "--from", "3", "--json")
	require.NoError(t, err)
	var rec changelog.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, uint64(3), rec.Index)
	assert.Equal(t, changelog.TypeClose, rec.Type)

	out, err = run(t, dir, "", "dump", "--consumer", "cl1", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestAppend_JSONArray(t *testing.T) {
	dir := t.TempDir()

	arr := `[{"type":"MKDIR","flags":0,"target":"[0x200000007:0x3:0x0]","parent":"[0x200000007:0x1:0x0]","name":"d"}]`
	out, err := run(t, dir, arr, "append", "--device", "lustre-MDT0001")
	require.NoError(t, err)
	assert.Contains(t, out, "lustre-MDT0001: appended 1 records (1-1)")
}

func TestAppend_InvalidInput(t *testing.T) {
	dir := t.TempDir()

	for _, input := range []string{"", "  \n", "[]", `{"type":"NOPE"}`, `{"type":"OPEN","extra":1}`} {
		_, err := run(t, dir, input, "append")
		assert.Error(t, err, "input %q", input)
	}
}

func TestDeregister(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "", "register")
	require.NoError(t, err)

	out, err := run(t, dir, "", "deregister", "--consumer", "cl1")
	require.NoError(t, err)
	assert.Contains(t, out, "deregistered cl1")

	_, err = run(t, dir, "", "deregister", "--consumer", "cl1")
	assert.ErrorIs(t, err, changelog.ErrUnknownConsumer)

	_, err = run(t, dir, "", "deregister")
	assert.Error(t, err)
}

func TestDump_RequiresRegisteredConsumer(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "", "dump")
	assert.Error(t, err)

	_, err = run(t, dir, "", "dump", "--consumer", "cl9")
	assert.ErrorIs(t, err, changelog.ErrUnknownConsumer)
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "", "register")
	require.NoError(t, err)

	out, err := run(t, dir, "", "generate", "--count", "250", "--batch", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "generated 250 records")
	assert.Contains(t, out, "last index 250")

	// Every generated record renders to an export line
	out, err = run(t, dir, "", "dump", "--consumer", "cl1")
	require.NoError(t, err)
	assert.Equal(t, 250, strings.Count(out, "\n"))

	_, err = run(t, dir, "", "generate", "--types", "BOGUS")
	assert.Error(t, err)

	_, err = run(t, dir, "", "generate", "--count", "0")
	assert.Error(t, err)
}

func TestRecordGenerator(t *testing.T) {
	gen, err := NewRecordGenerator(map[changelog.EventType]int{changelog.TypeRename: 1}, 7)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		rec := gen.Next()
		assert.Equal(t, changelog.TypeRename, rec.Type)
		assert.NotZero(t, rec.Flags&changelog.FlagRename)
		assert.False(t, rec.Source.IsZero())
		assert.NotEmpty(t, rec.SourceName)
		assert.NotEmpty(t, rec.Name)
	}

	_, err = NewRecordGenerator(map[changelog.EventType]int{}, 1)
	assert.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	err := dispatch("bogus", nil, strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}
