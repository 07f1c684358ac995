package spec

import (
	"strings"
	"testing"

	"github.com/cuemby/snops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoDocStream = `
kind: Nodes
spec:
  network: testnet
  nodes:
    validator/0:
      online: true
      replicas: 2
      key: local
      labels: [fast]
---
kind: Cannon
spec:
  id: c1
  source: generator
  program: credits.aleo
  sink: broadcast
  target: "validator/*"
  authorize_attempts: 3
`

func TestParseMultiDocumentStream(t *testing.T) {
	parsed, err := Parse(strings.NewReader(twoDocStream))
	require.NoError(t, err)
	require.Len(t, parsed.Nodes, 1)
	require.Len(t, parsed.Cannons, 1)

	nodesDoc := parsed.Nodes[0]
	assert.Equal(t, "testnet", nodesDoc.Network)
	require.Contains(t, nodesDoc.Nodes, "validator/0")
	assert.Equal(t, 2, nodesDoc.Nodes["validator/0"].Replicas)

	cannon := parsed.Cannons[0]
	assert.Equal(t, "c1", cannon.ID)
	assert.Equal(t, 3, cannon.AuthorizeAttempts)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse(strings.NewReader("kind: Bogus\nspec: {}\n"))
	require.Error(t, err)
	var serr *types.SchemaError
	require.ErrorAs(t, err, &serr)
}

func TestParseNodeKey(t *testing.T) {
	key, err := ParseNodeKey("validator/0")
	require.NoError(t, err)
	assert.Equal(t, types.NodeKindValidator, key.Kind)
	assert.Equal(t, "0", key.Name)
	assert.Equal(t, "", key.Namespace)

	key, err = ParseNodeKey("client/foo@ns1")
	require.NoError(t, err)
	assert.Equal(t, "ns1", key.Namespace)

	_, err = ParseNodeKey("bogus")
	assert.Error(t, err)
}

func TestExpandReplicas(t *testing.T) {
	out := ExpandReplicas("validator/0", NodeDoc{Replicas: 3})
	assert.Len(t, out, 3)
	assert.Contains(t, out, "validator/0-0")
	assert.Contains(t, out, "validator/0-1")
	assert.Contains(t, out, "validator/0-2")

	single := ExpandReplicas("validator/0", NodeDoc{Replicas: 1})
	assert.Len(t, single, 1)
	assert.Contains(t, single, "validator/0")
}

func TestParseHeightRequest(t *testing.T) {
	h, err := ParseHeightRequest("")
	require.NoError(t, err)
	assert.Equal(t, types.HeightTop, h.Kind)

	h, err = ParseHeightRequest("100")
	require.NoError(t, err)
	assert.Equal(t, types.HeightAbsolute, h.Kind)
	assert.EqualValues(t, 100, h.Absolute)

	h, err = ParseHeightRequest("7d")
	require.NoError(t, err)
	assert.Equal(t, types.HeightCheckpoint, h.Kind)
	assert.EqualValues(t, "7d", h.Span)
}
