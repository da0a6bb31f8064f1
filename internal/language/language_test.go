package language_test

import (
	"testing"

	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Decide(t *testing.T) {
	t.Parallel()

	var state language.State

	assert.Equal(t, language.Reload, state.Decide(`Lang\standard`), "nothing loaded yet")

	state.Commit(`Lang\standard`)
	assert.Equal(t, language.Keep, state.Decide(`Lang\standard`))
	assert.Equal(t, language.Reload, state.Decide(`Lang\standard_kansai`))

	state.Reset()
	_, ok := state.Loaded()
	assert.False(t, ok)
	assert.Equal(t, language.Reload, state.Decide(`Lang\standard`))
}

func TestResolver_Dialect(t *testing.T) {
	t.Parallel()

	resolver := language.NewResolver()

	testCases := []struct {
		name     string
		voice    string
		override string
		want     string
	}{
		{name: "plain voice", voice: "f1", want: language.Standard},
		{name: "marker voice", voice: "akane_west", want: language.Kansai},
		{name: "override wins over marker", voice: "akane_west", override: language.Standard, want: language.Standard},
		{name: "override on plain voice", voice: "f1", override: language.Kansai, want: language.Kansai},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, resolver.Dialect(tc.voice, tc.override))
		})
	}
}

func TestResolver_MarkerDialectFollowsResources(t *testing.T) {
	t.Parallel()

	standardOnly := &language.Resolver{
		Marker:        language.DefaultMarker,
		MarkerDialect: language.Kansai,
		Default:       language.Standard,
		Resources:     map[string]string{language.Standard: `Lang\standard`},
	}
	assert.Equal(t, language.Standard, standardOnly.Dialect("akane_west", ""), "kansai not installed")
	assert.Equal(t, language.Kansai, standardOnly.Dialect("akane_west", language.Kansai), "override still wins")

	custom := &language.Resolver{
		Marker:        "_tohoku",
		MarkerDialect: "tohoku",
		Default:       language.Standard,
		Resources: map[string]string{
			language.Standard: `Lang\standard`,
			"tohoku":          `Lang\standard_tohoku`,
		},
	}
	assert.Equal(t, "tohoku", custom.Dialect("kotaro_tohoku", ""))
	assert.Equal(t, language.Standard, custom.Dialect("akane_west", ""))

	noDialect := language.NewResolver()
	noDialect.MarkerDialect = ""
	assert.Equal(t, language.Standard, noDialect.Dialect("akane_west", ""))
}

func TestResolver_Resource(t *testing.T) {
	t.Parallel()

	resolver := language.NewResolver()

	name, err := resolver.Resource(language.Kansai)
	require.NoError(t, err)
	assert.Equal(t, `Lang\standard_kansai`, name)

	_, err = resolver.Resource("tohoku")
	require.ErrorIs(t, err, language.ErrUnknownDialect)
}

func TestKansaiOverride(t *testing.T) {
	t.Parallel()

	yes, no := true, false

	assert.Empty(t, language.KansaiOverride(nil))
	assert.Equal(t, language.Kansai, language.KansaiOverride(&yes))
	assert.Equal(t, language.Standard, language.KansaiOverride(&no))
}
