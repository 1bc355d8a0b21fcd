package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postingsJSON = `[{"id":"p-1","title":"Go Engineer","company":"Acme"}]`

func TestReadPostingsFromStdin(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(postingsJSON))

	postings, err := readPostings(cmd, "")
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, "p-1", postings[0].ID)
	assert.Equal(t, "Acme", postings[0].Company)
}

func TestReadPostingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postings.json")
	require.NoError(t, os.WriteFile(path, []byte(postingsJSON), 0o644))

	postings, err := readPostings(&cobra.Command{}, path)
	require.NoError(t, err)
	require.Len(t, postings, 1)
}

func TestReadPostingsRejectsBadInput(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("{nope"))
	_, err := readPostings(cmd, "")
	require.Error(t, err)

	cmd = &cobra.Command{}
	cmd.SetIn(strings.NewReader("[]"))
	_, err = readPostings(cmd, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no postings")
}
