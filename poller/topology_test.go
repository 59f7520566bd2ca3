package poller_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screwyprof/adpoller/poller"
)

func TestBuiltinTopology(t *testing.T) {
	t.Parallel()

	t.Run("it loads the structure topology", func(t *testing.T) {
		t.Parallel()

		// Act
		topo, err := poller.BuiltinTopology("structure", poller.DefaultRegistry())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "structure", topo.Name)
		require.Len(t, topo.Groups, 2)
		assert.Equal(t, "Product Ads", topo.Groups[0].Name)
		assert.Equal(t, "Display Ads", topo.Groups[1].Name)

		children := topo.Groups[0].Children
		require.Len(t, children, 3)
		assert.Equal(t, []string{"Products", "Keywords", "NegativeKeywords"}, childTypes(children))
		assert.Equal(t, poller.KindAttach, children[2].Kind)
		assert.Equal(t, "negative_keywords", children[2].AttachField)
		assert.Equal(t, []string{"campaigns", "products", "keywords"}, topo.OutputKeys())
	})

	t.Run("it loads the attribution topology", func(t *testing.T) {
		t.Parallel()

		// Act
		topo, err := poller.BuiltinTopology("attribution", poller.DefaultRegistry())

		// Assert
		require.NoError(t, err)
		g, idx, ok := topo.Group("Display Ads")
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		assert.Equal(t, []string{"Categories", "Slots"}, childTypes(g.Children))
	})

	t.Run("it rejects an unknown builtin", func(t *testing.T) {
		t.Parallel()

		// Act
		_, err := poller.BuiltinTopology("billing", poller.DefaultRegistry())

		// Assert
		require.ErrorIs(t, err, poller.ErrInvalidTopology)
	})
}

func TestLoadTopology(t *testing.T) {
	t.Parallel()

	t.Run("it fills defaults and keeps the first of duplicate child types", func(t *testing.T) {
		t.Parallel()

		// Arrange
		doc := `
name: custom
groups:
  - name: Product Ads
    primary:
      request: {path: campaigns}
    children:
      - type: Products
        request: {path: products, method: get}
        output_key: products
      - type: Products
        request: {path: products-v2}
        output_key: products_v2
`

		// Act
		topo, err := poller.LoadTopology(strings.NewReader(doc), poller.DefaultRegistry())

		// Assert
		require.NoError(t, err)
		g := topo.Groups[0]
		assert.Equal(t, "Campaigns", g.Primary.Type)
		assert.Equal(t, "campaigns", g.Primary.OutputKey)
		assert.Equal(t, "POST", g.Primary.Request.Method)
		assert.Equal(t, "data", g.Primary.Extractor)
		assert.Equal(t, "identity", g.Primary.Formatter)
		require.Len(t, g.Children, 1)
		assert.Equal(t, "products", g.Children[0].Request.Path)
		assert.Equal(t, "GET", g.Children[0].Request.Method)
		assert.Equal(t, poller.KindList, g.Children[0].Kind)
	})

	t.Run("it rejects unknown fields", func(t *testing.T) {
		t.Parallel()

		// Arrange
		doc := `
name: custom
groups:
  - name: Product Ads
    primary:
      request: {path: campaigns}
      pagesize: 10
`

		// Act
		_, err := poller.LoadTopology(strings.NewReader(doc), poller.DefaultRegistry())

		// Assert
		require.ErrorIs(t, err, poller.ErrInvalidTopology)
	})

	t.Run("it rejects names missing from the registry", func(t *testing.T) {
		t.Parallel()

		// Arrange
		doc := `
name: custom
groups:
  - name: Product Ads
    primary:
      request: {path: campaigns}
      formatter: nope
`

		// Act
		_, err := poller.LoadTopology(strings.NewReader(doc), poller.DefaultRegistry())

		// Assert
		require.ErrorIs(t, err, poller.ErrInvalidTopology)
		require.ErrorIs(t, err, poller.ErrUnknownFormatter)
	})

	t.Run("it rejects attach fetches without a target field", func(t *testing.T) {
		t.Parallel()

		// Arrange
		doc := `
name: custom
groups:
  - name: Product Ads
    primary:
      request: {path: campaigns}
    children:
      - type: Denylist
        kind: attach
        request: {path: denylist}
`

		// Act
		_, err := poller.LoadTopology(strings.NewReader(doc), poller.DefaultRegistry())

		// Assert
		require.ErrorIs(t, err, poller.ErrInvalidTopology)
		assert.Contains(t, err.Error(), "attach field")
	})

	t.Run("it rejects duplicate group names", func(t *testing.T) {
		t.Parallel()

		// Arrange
		doc := `
name: custom
groups:
  - name: Product Ads
    primary:
      request: {path: campaigns}
  - name: Product Ads
    primary:
      request: {path: campaigns}
`

		// Act
		_, err := poller.LoadTopology(strings.NewReader(doc), poller.DefaultRegistry())

		// Assert
		require.ErrorIs(t, err, poller.ErrInvalidTopology)
	})
}

func childTypes(specs []poller.FetchSpec) []string {
	types := make([]string, len(specs))
	for i, s := range specs {
		types[i] = s.Type
	}
	return types
}
