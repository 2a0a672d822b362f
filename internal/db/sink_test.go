package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordKey(t *testing.T) {
	key, err := recordKey(surrealmodels.RecordID{Table: "generated_question", ID: "0b7e"})
	require.NoError(t, err)
	assert.Equal(t, "0b7e", key)

	_, err = recordKey(surrealmodels.RecordID{Table: "generated_question", ID: 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "int key")
}
