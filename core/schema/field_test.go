package schema

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldModifiersReturnCopies(t *testing.T) {
	base := String()
	unique := base.Unique()
	nullable := base.Nullable()

	assert.False(t, base.StorageField().Unique)
	assert.True(t, unique.StorageField().Unique)
	assert.False(t, base.IsNullable())
	assert.True(t, nullable.IsNullable())

	// Nullable preserves the other modifiers.
	combined := String().Unique().Index().Default("x").Nullable()
	sf := combined.StorageField()
	assert.True(t, sf.Unique)
	assert.True(t, sf.Indexed)
	assert.True(t, sf.HasDefault)
	assert.True(t, sf.Nullable)
}

func TestIDField(t *testing.T) {
	sf := ID().StorageField()
	assert.True(t, sf.Primary)
	assert.True(t, sf.Unique)
	assert.True(t, sf.Indexed)
	assert.Equal(t, "varchar", sf.SQLType)
}

func TestEncodeMutation(t *testing.T) {
	f := String()

	enc, err := f.EncodeMutation(MutationSet, "hello", "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, err)
	assert.Equal(t, "hello", enc.Value)
	assert.Equal(t, "2024-01-01T00:00:00.000000000Z", enc.Meta.Timestamp)

	_, err = f.EncodeMutation(MutationDelete, "hello", Now())
	assert.ErrorIs(t, err, ErrUnsupportedMutation)

	_, err = f.EncodeMutation(MutationSet, nil, Now())
	assert.Error(t, err, "nil into a non-nullable field")

	_, err = String().Nullable().EncodeMutation(MutationSet, nil, Now())
	assert.NoError(t, err)
}

func TestMergeMutationLWW(t *testing.T) {
	f := Number()

	older := Encoded{Value: 1.0, Meta: Meta{Timestamp: "2024-01-01T00:00:00.000000000Z"}}
	newer := Encoded{Value: 2.0, Meta: Meta{Timestamp: "2024-01-01T00:00:01.000000000Z"}}

	t.Run("newer wins", func(t *testing.T) {
		merged, accepted, err := f.MergeMutation(MutationSet, newer, &older)
		require.NoError(t, err)
		require.NotNil(t, accepted)
		assert.Equal(t, 2.0, merged.Value)
		assert.Equal(t, newer.Meta.Timestamp, merged.Meta.Timestamp)
	})

	t.Run("older rejected", func(t *testing.T) {
		merged, accepted, err := f.MergeMutation(MutationSet, older, &newer)
		require.NoError(t, err)
		assert.Nil(t, accepted)
		assert.Equal(t, 2.0, merged.Value)
	})

	t.Run("equal timestamp rejected", func(t *testing.T) {
		duplicate := Encoded{Value: 9.0, Meta: older.Meta}
		merged, accepted, err := f.MergeMutation(MutationSet, duplicate, &older)
		require.NoError(t, err)
		assert.Nil(t, accepted)
		assert.Equal(t, 1.0, merged.Value)
	})

	t.Run("no current accepts", func(t *testing.T) {
		merged, accepted, err := f.MergeMutation(MutationSet, older, nil)
		require.NoError(t, err)
		require.NotNil(t, accepted)
		assert.Equal(t, 1.0, merged.Value)
	})
}

// Applying any permutation of the same mutations yields the same final value,
// and re-applying any of them changes nothing.
func TestMergeMutationPermutationDeterminism(t *testing.T) {
	f := Number()
	mutations := make([]Encoded, 0, 8)
	for i := 0; i < 8; i++ {
		mutations = append(mutations, Encoded{
			Value: float64(i),
			Meta:  Meta{Timestamp: "2024-01-01T00:00:0" + string(rune('0'+i)) + ".000000000Z"},
		})
	}

	apply := func(order []int) Encoded {
		var current *Encoded
		for _, idx := range order {
			merged, _, err := f.MergeMutation(MutationSet, mutations[idx], current)
			require.NoError(t, err)
			current = &merged
		}
		return *current
	}

	reference := apply([]int{0, 1, 2, 3, 4, 5, 6, 7})
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		order := rng.Perm(8)
		result := apply(order)
		assert.Equal(t, reference, result, "order %v", order)

		// Idempotence: replaying any mutation leaves the result untouched.
		replay, accepted, err := f.MergeMutation(MutationSet, mutations[order[0]], &result)
		require.NoError(t, err)
		assert.Nil(t, accepted)
		assert.Equal(t, reference, replay)
	}
}

// Accepted writes never decrease the stored timestamp.
func TestMergeMutationMonotonicTimestamps(t *testing.T) {
	f := String()
	var current *Encoded
	timestamps := []string{
		"2024-01-01T00:00:02.000000000Z",
		"2024-01-01T00:00:01.000000000Z",
		"2024-01-01T00:00:03.000000000Z",
		"2024-01-01T00:00:03.000000000Z",
	}
	last := ""
	for _, ts := range timestamps {
		merged, _, err := f.MergeMutation(MutationSet, Encoded{Value: ts, Meta: Meta{Timestamp: ts}}, current)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, merged.Meta.Timestamp, last)
		last = merged.Meta.Timestamp
		current = &merged
	}
}

func TestConvertHooks(t *testing.T) {
	tests := []struct {
		name    string
		field   Field
		input   any
		want    any
		wantErr bool
	}{
		{"string number to float", Number(), "42.5", 42.5, false},
		{"int to float", Number(), 7, 7.0, false},
		{"bad number", Number(), "seven", nil, true},
		{"string true", Boolean(), "true", true, false},
		{"string false", Boolean(), "FALSE", false, false},
		{"bad bool", Boolean(), "maybe", nil, true},
		{"json string decoded", JSON(), `{"a":1}`, map[string]any{"a": 1.0}, false},
		{"json passthrough", JSON(), map[string]any{"b": true}, map[string]any{"b": true}, false},
		{"enum member", Enum("red", "blue"), "red", "red", false},
		{"enum outsider", Enum("red", "blue"), "green", nil, true},
		{"timestamp string", Timestamp(), "2024-06-01T10:00:00Z", "2024-06-01T10:00:00Z", false},
		{"bad timestamp", Timestamp(), "yesterday", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.field.Convert(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// Round-trip: merging a fresh encode materializes the converted value under
// the encode timestamp.
func TestEncodeMergeRoundTrip(t *testing.T) {
	fields := map[string]struct {
		field Field
		input any
		want  any
	}{
		"number":  {Number(), "3.5", 3.5},
		"boolean": {Boolean(), "true", true},
		"string":  {String(), "x", "x"},
		"json":    {JSON(), `[1,2]`, []any{1.0, 2.0}},
	}
	ts := Now()
	for name, tc := range fields {
		t.Run(name, func(t *testing.T) {
			enc, err := tc.field.EncodeMutation(MutationSet, tc.input, ts)
			require.NoError(t, err)
			merged, accepted, err := tc.field.MergeMutation(MutationSet, enc, nil)
			require.NoError(t, err)
			require.NotNil(t, accepted)
			assert.Equal(t, tc.want, merged.Value)
			assert.Equal(t, ts, merged.Meta.Timestamp)
		})
	}
}

func TestStorageFieldDescriptors(t *testing.T) {
	assert.Equal(t, "double precision", Number().StorageField().SQLType)
	assert.Equal(t, "boolean", Boolean().StorageField().SQLType)
	assert.Equal(t, "timestamp", Timestamp().StorageField().SQLType)
	assert.Equal(t, "text", JSON().StorageField().SQLType)
	assert.Equal(t, "varchar", String().StorageField().SQLType)

	ref := Ref("users", "id").StorageField()
	require.NotNil(t, ref.References)
	assert.Equal(t, "users", ref.References.Collection)
	assert.Equal(t, "id", ref.References.Field)
	assert.True(t, ref.Indexed)

	enum := Enum("a", "b").StorageField()
	assert.Equal(t, []string{"a", "b"}, enum.EnumValues)
}
