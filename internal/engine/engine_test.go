package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRecord(t *testing.T) {
	t.Parallel()

	rec, err := ParseRecord([]byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1001","NAME_FULL":"Ann Smith"}`))
	require.NoError(t, err)
	require.Equal(t, "CUSTOMERS", rec.DataSource)
	require.Equal(t, "1001", rec.RecordID)
}

func TestParseRecordInvalidBodies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"missing record id", `{"DATA_SOURCE":"CUSTOMERS"}`},
		{"missing data source", `{"RECORD_ID":"1001"}`},
		{"empty object", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRecord([]byte(tc.body))
			require.Error(t, err)
			require.True(t, IsInvalidInput(err), "expected invalid input, got %v", err)
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindTransientTimeout, KindOf(NewError(KindTransientTimeout, errors.New("budget exceeded"))))
	require.Equal(t, KindInvalidInput, KindOf(NewError(KindInvalidInput, errors.New("bad record"))))
	require.Equal(t, KindFatal, KindOf(errors.New("unclassified")))
	require.Equal(t, KindFatal, KindOf(nil))

	wrapped := fmt.Errorf("processing: %w", NewError(KindTransientTimeout, errors.New("slow")))
	require.True(t, IsTransientTimeout(wrapped))
	require.False(t, IsInvalidInput(wrapped))
}
