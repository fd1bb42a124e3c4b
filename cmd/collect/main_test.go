package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

func TestParseWindow(t *testing.T) {
	w, err := parseWindow("", "")
	require.NoError(t, err)
	assert.Equal(t, models.Window{}, w)

	w, err = parseWindow("2024-07-01", "2024-07-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC), w.End)

	_, err = parseWindow("2024-07-01", "")
	assert.Error(t, err)
	_, err = parseWindow("2024-07-02", "2024-07-01")
	assert.Error(t, err)
	_, err = parseWindow("last week", "2024-07-01")
	assert.Error(t, err)
}

func TestRunRequiresAdapter(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run"})

	assert.Error(t, root.Execute())
}
