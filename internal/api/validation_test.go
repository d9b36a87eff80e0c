package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSubmit(t *testing.T) {
	valid := []byte(`{
		"firstName": "Ada",
		"lastName": "Lovelace",
		"email": "ada@example.com",
		"applicationData": {"type": "loan", "amount": 50000, "documents": ["id"]}
	}`)
	assert.Empty(t, ValidateSubmit(valid))

	t.Run("missing applicant", func(t *testing.T) {
		body := []byte(`{"applicationData": {"type": "loan", "amount": 50000}}`)
		assert.NotEmpty(t, ValidateSubmit(body))
	})

	t.Run("zero amount", func(t *testing.T) {
		body := []byte(`{
			"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com",
			"applicationData": {"type": "loan", "amount": 0}
		}`)
		assert.NotEmpty(t, ValidateSubmit(body))
	})

	t.Run("missing application type", func(t *testing.T) {
		body := []byte(`{
			"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com",
			"applicationData": {"amount": 100}
		}`)
		assert.NotEmpty(t, ValidateSubmit(body))
	})

	t.Run("not json", func(t *testing.T) {
		assert.NotEmpty(t, ValidateSubmit([]byte(`not-json`)))
	})
}
