package changelog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeMnemonics(t *testing.T) {
	assert.Equal(t, "MARK", TypeMark.String())
	assert.Equal(t, "CREAT", TypeCreate.String())
	assert.Equal(t, "UNLNK", TypeUnlink.String())
	assert.Equal(t, "RENME", TypeRename.String())
	assert.Equal(t, "RESYNC", TypeResync.String())
	assert.Equal(t, "NOPEN", TypeDeniedOpen.String())
	assert.Equal(t, "NONE", EventType(200).String())
}

func TestParseEventType(t *testing.T) {
	for _, typ := range EventTypes() {
		parsed, err := ParseEventType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	parsed, err := ParseEventType(" creat ")
	require.NoError(t, err)
	assert.Equal(t, TypeCreate, parsed)

	_, err = ParseEventType("BOGUS")
	assert.Error(t, err)
	_, err = ParseEventType("")
	assert.Error(t, err)
}

func TestFIDString(t *testing.T) {
	fid := FID{Seq: 0x200000007, Oid: 0x1, Ver: 0x0}
	assert.Equal(t, "[0x200000007:0x1:0x0]", fid.String())
	assert.Equal(t, "[0x0:0x0:0x0]", FID{}.String())
	assert.True(t, FID{}.IsZero())
	assert.False(t, fid.IsZero())
}

func TestParseFID(t *testing.T) {
	tests := []struct {
		in      string
		want    FID
		wantErr bool
	}{
		{in: "[0x200000007:0x1:0x0]", want: FID{Seq: 0x200000007, Oid: 1}},
		{in: "0x200000402:0xa:0x2", want: FID{Seq: 0x200000402, Oid: 0xa, Ver: 2}},
		{in: " [0x1:0x2:0x3] ", want: FID{Seq: 1, Oid: 2, Ver: 3}},
		{in: "[0x1:0x2]", wantErr: true},
		{in: "[zz:0x2:0x3]", wantErr: true},
		{in: "[0x1:0x100000000:0x0]", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParseFID(t, got.String()))
		})
	}
}

func mustParseFID(t *testing.T, s string) FID {
	t.Helper()
	fid, err := ParseFID(s)
	require.NoError(t, err)
	return fid
}

func TestRecordJSON(t *testing.T) {
	input := `{"type":"RENME","flags":32768,"target":"[0x200000007:0x1:0x0]",` +
		`"source":"[0x200000007:0x2:0x0]","source_parent":"[0x200000007:0x3:0x0]","source_name":"old",` +
		`"parent":"[0x200000007:0x4:0x0]","name":"new"}`

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(input), &rec))

	assert.Equal(t, TypeRename, rec.Type)
	assert.Equal(t, FlagRename, rec.Flags)
	assert.Equal(t, FID{Seq: 0x200000007, Oid: 1}, rec.Target)
	assert.Equal(t, FID{Seq: 0x200000007, Oid: 2}, rec.Source)
	assert.Equal(t, "old", rec.SourceName)
	assert.Equal(t, "new", rec.Name)

	var bad Record
	assert.Error(t, json.Unmarshal([]byte(`{"type":"NOPE"}`), &bad))
}

func TestRecordHasExtra(t *testing.T) {
	rec := Record{Extra: ExtraUIDGID}
	assert.False(t, rec.HasExtra(ExtraUIDGID), "extra bits without FlagExtra are ignored")

	rec.Flags = FlagExtra
	assert.True(t, rec.HasExtra(ExtraUIDGID))
	assert.False(t, rec.HasExtra(ExtraNID))
}
