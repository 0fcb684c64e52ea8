package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rentalYAML = `
id: tpl-rental
name: Rental agreement
contract_type: rental
is_active: true
steps:
  - id: draft
    name: Draft lease
    type: manual
    order: 1
    is_required: true
  - id: sign
    name: Sign lease
    type: approval
    order: 2
    dependencies: [draft]
    is_required: true
`

const cyclicYAML = `
name: Broken
contract_type: rental
steps:
  - id: a
    name: A
    type: manual
    order: 1
    dependencies: [b]
  - id: b
    name: B
    type: manual
    order: 2
    dependencies: [a]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	command := newCommand()
	command.Writer = &out
	command.ErrWriter = &out

	err := command.Run(t.Context(), append([]string{"contractflow-templates"}, args...))

	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "rental.yaml", rentalYAML)
	bad := writeFile(t, dir, "cyclic.yml", cyclicYAML)

	out, err := runCLI(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "rental.yaml: ok")

	out, err = runCLI(t, "validate", good, bad)
	require.ErrorIs(t, err, errInvalidFiles)
	assert.Contains(t, out, "cyclic.yml: ")
	assert.NotContains(t, out, "cyclic.yml: ok")

	_, err = runCLI(t, "validate")
	require.ErrorIs(t, err, errNoFiles)
}

func TestImportListExport(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "store")
	doc := writeFile(t, dir, "rental.yaml", rentalYAML)

	out, err := runCLI(t, "--database-url", store, "import", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "imported "+doc+" as tpl-rental (version 1)")

	_, err = runCLI(t, "--database-url", store, "import", doc)
	require.Error(t, err, "importing the same id twice conflicts")

	out, err = runCLI(t, "--database-url", store, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CONTRACT TYPE")
	assert.Contains(t, out, "tpl-rental")

	out, err = runCLI(t, "--database-url", store, "list", "--contract-type", "employment")
	require.NoError(t, err)
	assert.NotContains(t, out, "tpl-rental")

	out, err = runCLI(t, "--database-url", store, "export", "--format", "json", "tpl-rental")
	require.NoError(t, err)
	assert.Contains(t, out, `"contract_type": "rental"`)

	_, err = runCLI(t, "--database-url", store, "export", "missing")
	require.Error(t, err)

	_, err = runCLI(t, "--database-url", store, "export")
	require.ErrorIs(t, err, errTemplateIDArg)
}
