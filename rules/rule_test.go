package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardEvaluator(t *testing.T) {
	eval := NewGuardEvaluator()

	t.Run("EmptyAndLiteralTrueAlwaysPass", func(t *testing.T) {
		pass, err := eval.Evaluate("", nil)
		require.NoError(t, err)
		assert.True(t, pass)

		pass, err = eval.Evaluate("true", nil)
		require.NoError(t, err)
		assert.True(t, pass)
	})

	t.Run("VariableComparison", func(t *testing.T) {
		vars := map[string]interface{}{"amount": 2500}
		pass, err := eval.Evaluate("amount < 10000", vars)
		require.NoError(t, err)
		assert.True(t, pass)

		pass, err = eval.Evaluate("amount >= 10000", vars)
		require.NoError(t, err)
		assert.False(t, pass)
	})

	t.Run("StringConditions", func(t *testing.T) {
		vars := map[string]interface{}{"vendor": "Acme GmbH", "action": "approve"}
		pass, err := eval.Evaluate(`action == "approve" && vendor != ""`, vars)
		require.NoError(t, err)
		assert.True(t, pass)
	})

	t.Run("CompileErrorSurfaced", func(t *testing.T) {
		_, err := eval.Evaluate("amount <", map[string]interface{}{"amount": 1})
		assert.Error(t, err)
	})

	t.Run("NonBooleanRejected", func(t *testing.T) {
		_, err := eval.Evaluate("amount + 1", map[string]interface{}{"amount": 1})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "boolean")
	})

	t.Run("CacheReusesProgram", func(t *testing.T) {
		e := NewGuardEvaluator()
		vars := map[string]interface{}{"n": 1}
		_, err := e.Evaluate("n > 0", vars)
		require.NoError(t, err)
		// Second run with different variables hits the cached program.
		pass, err := e.Evaluate("n > 0", map[string]interface{}{"n": -1})
		require.NoError(t, err)
		assert.False(t, pass)
		assert.Len(t, e.cache, 1)
	})

	t.Run("DerivedValues", func(t *testing.T) {
		e := NewGuardEvaluator()
		e.AddDerived("total", func(vars map[string]interface{}) interface{} {
			a, _ := vars["a"].(int)
			b, _ := vars["b"].(int)
			return a + b
		})
		pass, err := e.Evaluate("total == 5", map[string]interface{}{"a": 2, "b": 3})
		require.NoError(t, err)
		assert.True(t, pass)
	})
}
