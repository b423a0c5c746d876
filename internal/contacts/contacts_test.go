package contacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoaderLoadAll(t *testing.T) {
	doc := `[
		{"id": 101, "org_id": 1, "first_name": "Ada", "last_name": "Lovelace",
		 "email": "ada@example.com", "state": "CA", "zip_code": "94105",
		 "birth_date": "1952-06-15", "effective_date": "01/01/2021"},
		{"id": "abc-202", "org_id": 1, "email": "grace@example.com",
		 "state": "", "zip_code": "60601", "birth_date": "not-a-date"},
		{"id": 303, "org_id": 2, "email": "other@example.com"}
	]`
	path := filepath.Join(t.TempDir(), "contacts.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	l := NewFileLoader(path)
	all, err := l.LoadAll(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, all, 2, "org filter drops the org 2 record")

	ada := all[0]
	assert.Equal(t, "101", ada.ID)
	assert.Equal(t, "Ada Lovelace", ada.FullName())
	require.NotNil(t, ada.BirthDate)
	assert.Equal(t, "1952-06-15", ada.BirthDate.Format("2006-01-02"))
	require.NotNil(t, ada.EffectiveDate)
	assert.Equal(t, "2021-01-01", ada.EffectiveDate.Format("2006-01-02"))
	assert.False(t, ada.InvalidAnchor)

	grace := all[1]
	assert.Equal(t, "abc-202", grace.ID)
	assert.Nil(t, grace.BirthDate)
	assert.True(t, grace.InvalidAnchor)
}

func TestFileLoaderGetByID(t *testing.T) {
	doc := `[{"id": 7, "org_id": 1, "email": "x@example.com"}]`
	path := filepath.Join(t.TempDir(), "contacts.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	l := NewFileLoader(path)
	c, err := l.GetByID(context.Background(), 1, "7")
	require.NoError(t, err)
	assert.Equal(t, "7", c.ID)

	_, err = l.GetByID(context.Background(), 1, "8")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJurisdiction(t *testing.T) {
	tests := []struct {
		name  string
		state string
		zip   string
		want  string
	}{
		{"explicit state", "CA", "10001", "CA"},
		{"lowercase state", "nv", "", "NV"},
		{"zip fallback", "", "60601", "IL"},
		{"state name falls to zip", "Illinois", "60601", "IL"},
		{"nothing usable", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Contact{State: tt.state, ZipCode: tt.zip}
			assert.Equal(t, tt.want, c.Jurisdiction())
		})
	}
}

func TestParseAnchor(t *testing.T) {
	d, ok := parseAnchor(" 1999-02-28 ")
	require.True(t, ok)
	require.NotNil(t, d)
	assert.Equal(t, "1999-02-28", d.Format("2006-01-02"))

	d, ok = parseAnchor("")
	assert.True(t, ok)
	assert.Nil(t, d)

	_, ok = parseAnchor("02-99-1999")
	assert.False(t, ok)
}
