package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/pkg/jobs"
)

func TestParseQueues(t *testing.T) {
	got, err := parseQueues([]string{"Documents", " chunks", "drawing-extraction", "documents"})
	require.NoError(t, err)
	assert.Equal(t, []jobs.Queue{jobs.QueueDocuments, jobs.QueueChunks, jobs.QueueDrawings}, got)

	_, err = parseQueues([]string{"ocr"})
	assert.ErrorContains(t, err, `unknown queue "ocr"`)

	_, err = parseQueues(nil)
	assert.Error(t, err)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "worker", "migrate", "ingest"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	ingest, _, err := root.Find([]string{"ingest"})
	require.NoError(t, err)
	assert.NotNil(t, ingest.Flags().Lookup("project"))
	assert.NotNil(t, ingest.Flags().Lookup("set"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
