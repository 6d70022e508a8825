package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"narrative-server/internal/models"
	"narrative-server/internal/syncengine"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveWSURL(t *testing.T) {
	got, err := deriveWSURL("https://stories.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://stories.example.com/ws", got)

	got, err = deriveWSURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", got)

	_, err = deriveWSURL("ftp://host")
	assert.Error(t, err)
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"Image", " audio"}, models.EntitySegment)
	require.NoError(t, err)
	assert.Equal(t, []models.MediaField{models.FieldImage, models.FieldAudio}, fields)

	_, err = parseFields([]string{"image"}, models.EntityStory)
	assert.Error(t, err)
}

func TestPrinter(t *testing.T) {
	url := "https://cdn/shore.png"
	seg := &models.Segment{
		ID:                    uuid.New(),
		ImageGenerationStatus: models.GenerationStatusCompleted,
		ImageURL:              &url,
		AudioGenerationStatus: models.GenerationStatusInProgress,
		Version:               3,
	}
	u := syncengine.Update{Ref: seg.Ref(), Snapshot: seg.Snapshot(), Source: syncengine.SourcePush, State: syncengine.StateSubscribed}
	fields := []models.MediaField{models.FieldImage, models.FieldAudio}

	var buf bytes.Buffer
	(&printer{out: &buf}).update(u, fields)
	out := buf.String()
	assert.Contains(t, out, "v3 (push, subscribed)")
	assert.Contains(t, out, url)
	assert.Contains(t, out, "in_progress")

	buf.Reset()
	(&printer{out: &buf, json: true}).update(u, fields)
	var line updateLine
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, int64(3), line.Version)
	assert.Equal(t, models.GenerationStatusCompleted, line.Fields[models.FieldImage].Status)
}

func TestSettleExit_WaitsForConfirmations(t *testing.T) {
	url := "https://cdn/shore.png"
	seg := &models.Segment{
		ID:                    uuid.New(),
		ImageGenerationStatus: models.GenerationStatusCompleted,
		ImageURL:              &url,
		AudioGenerationStatus: models.GenerationStatusNotStarted,
	}
	cancelled := 0
	exit := settleExit{fields: []models.MediaField{models.FieldImage}, cancel: func() { cancelled++ }}

	exit.onUpdate(syncengine.Update{Ref: seg.Ref(), Snapshot: seg.Snapshot(), Confirming: true})
	assert.Equal(t, 0, cancelled)

	exit.onConfirmed(seg.Snapshot())
	assert.Equal(t, 1, cancelled)

	// Без каскада (или для полей, которые не запускались) выход сразу.
	exit.onUpdate(syncengine.Update{Ref: seg.Ref(), Snapshot: seg.Snapshot()})
	assert.Equal(t, 2, cancelled)

	seg.ImageGenerationStatus = models.GenerationStatusInProgress
	exit.onConfirmed(seg.Snapshot())
	exit.onUpdate(syncengine.Update{Ref: seg.Ref(), Snapshot: seg.Snapshot()})
	assert.Equal(t, 2, cancelled)
}
