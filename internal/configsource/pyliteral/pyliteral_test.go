package pyliteral

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLegacyDictLiteral(t *testing.T) {
	got, err := Parse(`{ 'host': 'pybal-test2002.codfw.wmnet', 'weight':10, 'enabled': True }`)
	require.NoError(t, err)
	assert.Equal(t, "pybal-test2002.codfw.wmnet", got["host"])
	assert.Equal(t, 10, got["weight"])
	assert.Equal(t, true, got["enabled"])
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse(`not a dict at all`)
	assert.Error(t, err)
}

func TestParseHandlesFalseAndNone(t *testing.T) {
	got, err := Parse(`{'enabled': False, 'note': None}`)
	require.NoError(t, err)
	assert.Equal(t, false, got["enabled"])
	assert.Nil(t, got["note"])
}
