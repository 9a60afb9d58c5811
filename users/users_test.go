package users_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplifaq/session-agent/users"
)

func TestNormalize(t *testing.T) {
	t.Run("nested address wins and mirrors flat", func(t *testing.T) {
		p := &users.Profile{
			Address: users.Address{Street: "Bahnhofstrasse 1", City: "Zürich"},
			Street:  "Old Street 9",
			Zip:     "8001",
		}
		users.Normalize(p)

		require.Equal(t, "Bahnhofstrasse 1", p.Street)
		require.Equal(t, "Bahnhofstrasse 1", p.Address.Street)
		require.Equal(t, "Zürich", p.City)
		// Flat-only values fill nested gaps.
		require.Equal(t, "8001", p.Address.Zip)
		require.Equal(t, "8001", p.Zip)
	})

	t.Run("legacy flat payload populates nested address", func(t *testing.T) {
		p := &users.Profile{Street: "Rue du Rhône 5", Zip: "1204", City: "Genève", Country: "CH"}
		users.Normalize(p)

		require.Equal(t, users.Address{Street: "Rue du Rhône 5", Zip: "1204", City: "Genève", Country: "CH"}, p.Address)
	})

	t.Run("email is normalized", func(t *testing.T) {
		p := &users.Profile{Email: "  Anna.Meier@Example.CH "}
		users.Normalize(p)
		require.Equal(t, "anna.meier@example.ch", p.Email)
	})

	t.Run("nil profile", func(t *testing.T) {
		require.Nil(t, users.Normalize(nil))
	})
}

func TestNormalizeEmail(t *testing.T) {
	require.Equal(t, "anna@example.ch", users.NormalizeEmail(" ANNA@Example.ch\t"))
	require.Equal(t, "", users.NormalizeEmail("   "))
}

func TestFullName(t *testing.T) {
	t.Run("first and last", func(t *testing.T) {
		p := &users.Profile{FirstName: "Anna", LastName: "Meier"}
		require.Equal(t, "Anna Meier", p.FullName())
	})

	t.Run("single name", func(t *testing.T) {
		p := &users.Profile{FirstName: "Anna"}
		require.Equal(t, "Anna", p.FullName())
	})

	t.Run("falls back to email", func(t *testing.T) {
		p := &users.Profile{Email: "anna@example.ch"}
		require.Equal(t, "anna@example.ch", p.FullName())
	})
}
