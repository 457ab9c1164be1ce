package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/runstream/pkg/models"
)

func TestParseGraph(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		graph, err := ParseGraph([]byte(`{
			"nodes": {"a": {"kind": "http", "config": {"url": "http://x"}}, "b": {"kind": "code", "config": {"script": "return 1"}}},
			"edges": [{"source": "a", "target": "b"}]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "a", graph.Nodes["a"].ID)
		assert.Equal(t, "http://x", graph.Nodes["a"].Config["url"])
		assert.Equal(t, []models.Edge{{Source: "a", Target: "b"}}, graph.Edges)
	})

	t.Run("YAML", func(t *testing.T) {
		graph, err := ParseGraph([]byte(`
nodes:
  check:
    kind: if
    config:
      condition: "{{ input.flag }}"
      on_true: notify
  notify:
    kind: slack
    config:
      url: http://hooks
      text: hi
      retries: 3
`))
		require.NoError(t, err)
		assert.Equal(t, models.KindIf, graph.Nodes["check"].Kind)
		assert.Equal(t, "notify", graph.Nodes["check"].Config["on_true"])
		assert.Equal(t, 3, graph.Nodes["notify"].Config["retries"])

		_, err = Compile(graph)
		assert.NoError(t, err)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ParseGraph([]byte("   "))
		assert.ErrorIs(t, err, ErrGraphInvalid)
		_, err = ParseGraph([]byte(`{"nodes": [`))
		assert.ErrorIs(t, err, ErrGraphInvalid)
	})
}

func TestCompileRejectsInvalidGraphs(t *testing.T) {
	http := func() models.Node { return node(models.KindHTTP, map[string]interface{}{"url": "http://x"}) }

	tests := []struct {
		name  string
		graph models.WorkflowGraph
		want  string
	}{
		{"empty", graphOf(nil), "no nodes"},
		{"unknown kind", graphOf(map[string]models.Node{"a": node("teleport", nil)}), `unknown kind "teleport"`},
		{"missing kind", graphOf(map[string]models.Node{"a": node("", nil)}), "missing kind"},
		{"dangling edge", graphOf(map[string]models.Node{"a": http()}, edge("a", "ghost")), "a -> ghost references a missing node"},
		{"missing branch target", graphOf(map[string]models.Node{
			"a": node(models.KindIf, map[string]interface{}{"condition": true, "on_true": "ghost"}),
		}), `routes to missing node "ghost"`},
		{"missing switch target", graphOf(map[string]models.Node{
			"a": node(models.KindSwitch, map[string]interface{}{"value": "x", "default": "nowhere"}),
		}), `routes to missing node "nowhere"`},
		{"bad config", graphOf(map[string]models.Node{"a": node(models.KindHTTP, nil)}), "requires url"},
		{"bad batch size", graphOf(map[string]models.Node{
			"a": node(models.KindSplit, map[string]interface{}{"items_path": "items", "batch_size": 0}),
		}), "batch_size"},
		{"bad fail behavior", graphOf(map[string]models.Node{
			"a": node(models.KindSplit, map[string]interface{}{"items_path": "items", "fail_behavior": "shrug"}),
		}), "fail_behavior"},
		{"mismatched id", graphOf(map[string]models.Node{"a": {ID: "b", Kind: models.KindCode, Config: map[string]interface{}{"script": "1"}}}), "mismatched id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.graph)
			require.ErrorIs(t, err, ErrGraphInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompileDetectsCycles(t *testing.T) {
	code := func() models.Node { return node(models.KindCode, map[string]interface{}{"script": "return 1"}) }

	_, err := Compile(graphOf(map[string]models.Node{"a": code(), "b": code(), "c": code()},
		edge("a", "b"), edge("b", "c"), edge("c", "b")))
	require.ErrorIs(t, err, ErrGraphInvalid)
	assert.Contains(t, err.Error(), "cycle detected: b -> c -> b")

	// a branch target closing a loop is a cycle too
	_, err = Compile(graphOf(map[string]models.Node{
		"a": code(),
		"b": node(models.KindIf, map[string]interface{}{"condition": true, "on_true": "a"}),
	}, edge("a", "b")))
	require.ErrorIs(t, err, ErrGraphInvalid)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestCompileAllowsDiamondsAndComputesEntries(t *testing.T) {
	code := func() models.Node { return node(models.KindCode, map[string]interface{}{"script": "return 1"}) }

	prog, err := Compile(graphOf(map[string]models.Node{
		"a": code(), "b": code(), "c": code(), "d": code(), "z": code(),
	}, edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, prog.Entries())

	prog, err = Compile(graphOf(map[string]models.Node{
		"gate": node(models.KindIf, map[string]interface{}{"condition": "{{ input.ok }}", "on_true": "yes", "on_false": "no"}),
		"yes":  code(),
		"no":   code(),
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"gate"}, prog.Entries())
	assert.True(t, prog.Has("yes"))
	assert.Equal(t, models.KindIf, prog.Kind("gate"))
}

func TestCompileOptionalNodes(t *testing.T) {
	prog, err := Compile(graphOf(map[string]models.Node{
		"a": node(models.KindHTTP, map[string]interface{}{"url": "http://x", "optional": true}),
		"b": node(models.KindHTTP, map[string]interface{}{"url": "http://x"}),
	}))
	require.NoError(t, err)
	assert.True(t, prog.Optional("a"))
	assert.False(t, prog.Optional("b"))
}
