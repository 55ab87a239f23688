package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidate(t *testing.T) {
	good := writeRules(t, `
global:
  confidence_threshold: 0.6
tools:
  WebSearch:
    strong_keywords: [search for]
`)
	out, err := executeCLI(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 tool rule(s) OK")

	bad := writeRules(t, `
tools:
  Weather:
    strong_keywords: [forecast]
  ImageGen:
    confidence_threshold: 3
`)
	out, err = executeCLI(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problem(s) found")
	assert.Contains(t, out, "Weather")
	assert.Contains(t, out, "ImageGen")

	_, err = executeCLI(t, "validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestShow(t *testing.T) {
	out, err := executeCLI(t, "show", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "detection enabled:")
	assert.Contains(t, out, "CryptoPrice")
	assert.Contains(t, out, "0.90")

	out, err = executeCLI(t, "show", "default", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "global:")
	assert.Contains(t, out, "CurrencyConverter:")
}

func TestClassify(t *testing.T) {
	out, err := executeCLI(t, "classify", "default", "price", "of", "BTC")
	require.NoError(t, err)
	assert.Contains(t, out, "→ CryptoPrice (confidence 0.90)")
	assert.Contains(t, out, "reason: selected")

	out, err = executeCLI(t, "classify", "default", "hi", "--json")
	require.NoError(t, err)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "message too short", res["reason"])

	_, err = executeCLI(t, "classify", "default")
	assert.Error(t, err, "a message is required")
}
