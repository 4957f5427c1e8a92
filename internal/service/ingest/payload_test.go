package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePayloadShapes(t *testing.T) {
	items, err := ParsePayload([]byte(`[{"a":1}, 2, "x"]`))
	require.NoError(t, err)
	require.Len(t, items, 3)

	items, err = ParsePayload([]byte(`{"events": [{"a":1}]}`))
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = ParsePayload([]byte(` [] `))
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestParsePayloadRejectsOtherShapes(t *testing.T) {
	cases := map[string]struct {
		body  string
		field string
	}{
		"empty":           {body: "", field: "detail"},
		"scalar":          {body: "42", field: "detail"},
		"null":            {body: "null", field: "detail"},
		"malformed":       {body: `[{"a":1}`, field: "detail"},
		"missing events":  {body: `{"items": []}`, field: "detail"},
		"events not list": {body: `{"events": {"a": 1}}`, field: "events"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePayload([]byte(tc.body))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidPayload))
			var payloadErr *PayloadError
			require.True(t, errors.As(err, &payloadErr))
			require.Equal(t, tc.field, payloadErr.Field)
		})
	}
}
