package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 1, ClampLimit(0))
	assert.Equal(t, 50, ClampLimit(50))
	assert.Equal(t, MaxRecordsLimit, ClampLimit(MaxRecordsLimit))
	assert.Equal(t, MaxRecordsLimit, ClampLimit(5000))
}

func TestLikePrefixEscapesWildcards(t *testing.T) {
	assert.Equal(t, `kz\_%`, likePrefix("kz_"))
	assert.Equal(t, `a\%b\\%`, likePrefix(`a%b\`))
	assert.Equal(t, `%`, likePrefix(""))
}
