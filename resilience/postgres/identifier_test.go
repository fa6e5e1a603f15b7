//go:build unit

package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateIdentifier("outbox_records"))
	require.NoError(t, ValidateIdentifier("tenant_01"))

	invalid := []string{
		"",
		"123table",
		"outbox-records",
		"public.outbox",
		`outbox"; DROP TABLE users; --`,
		"outbox records",
	}

	for _, candidate := range invalid {
		require.ErrorIs(t, ValidateIdentifier(candidate), ErrInvalidIdentifier, candidate)
	}

	tooLong := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	require.Len(t, tooLong, 64)
	require.Error(t, ValidateIdentifier(tooLong))
}

func TestIdentifierPath(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateIdentifierPath("public.outbox_records"))
	require.Error(t, ValidateIdentifierPath("public..outbox"))
	require.Error(t, ValidateIdentifierPath("public.outbox;"))

	assert.Equal(t, `"public"."outbox_records"`, QuoteIdentifierPath("public. outbox_records"))
	assert.Equal(t, `"we""ird"`, QuoteIdentifier(`we"ird`))
}
