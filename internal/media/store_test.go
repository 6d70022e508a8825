package media

import (
	"context"
	"testing"

	"narrative-server/internal/models"
	"narrative-server/internal/provider"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileStore_Save(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewFileStore(fs, "/data/media", "http://localhost:8080/media/", zap.NewNop())
	require.NoError(t, err)

	owner := models.EntityRef{Type: models.EntitySegment, ID: uuid.New()}
	url, err := store.Save(context.Background(), owner, provider.Content{
		Kind:     models.ContentImage,
		Data:     []byte{0x89, 'P', 'N', 'G'},
		MIMEType: "image/png",
	})
	require.NoError(t, err)
	assert.Contains(t, url, "http://localhost:8080/media/images/segment-"+owner.ID.String())
	assert.True(t, len(url) > 4 && url[len(url)-4:] == ".png")

	files, err := afero.ReadDir(fs, "/data/media/images")
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := afero.ReadFile(fs, "/data/media/images/"+files[0].Name())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestFileStore_AudioDefaultsToMP3(t *testing.T) {
	store, err := NewFileStore(afero.NewMemMapFs(), "/m", "https://cdn.example.com", zap.NewNop())
	require.NoError(t, err)

	url, err := store.Save(context.Background(),
		models.EntityRef{Type: models.EntityStory, ID: uuid.New()},
		provider.Content{Kind: models.ContentAudio, Data: []byte("ID3")},
	)
	require.NoError(t, err)
	assert.Contains(t, url, "https://cdn.example.com/audio/story-")
	assert.Equal(t, ".mp3", url[len(url)-4:])
}

func TestFileStore_PassthroughAndEmpty(t *testing.T) {
	store, err := NewFileStore(afero.NewMemMapFs(), "/m", "https://cdn.example.com", zap.NewNop())
	require.NoError(t, err)
	owner := models.EntityRef{Type: models.EntitySegment, ID: uuid.New()}

	url, err := store.Save(context.Background(), owner, provider.Content{Kind: models.ContentImage, URL: "https://images.example.com/x.png"})
	require.NoError(t, err)
	assert.Equal(t, "https://images.example.com/x.png", url)

	_, err = store.Save(context.Background(), owner, provider.Content{Kind: models.ContentImage})
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestNewFileStore_RequiresConfig(t *testing.T) {
	_, err := NewFileStore(afero.NewMemMapFs(), "", "https://cdn.example.com", zap.NewNop())
	assert.Error(t, err)
	_, err = NewFileStore(afero.NewMemMapFs(), "/m", "", zap.NewNop())
	assert.Error(t, err)
}
