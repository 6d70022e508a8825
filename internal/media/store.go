// Package media сохраняет сгенерированные изображения и аудио и выдает их публичные URL.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/provider"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrEmptyContent - провайдер вернул медиа без данных и без ссылки.
var ErrEmptyContent = errors.New("media content is empty")

// Store сохраняет результат медиа-стадии.
type Store interface {
	Save(ctx context.Context, owner models.EntityRef, content provider.Content) (string, error)
}

var extensions = map[string]string{
	"image/png":   ".png",
	"image/jpeg":  ".jpg",
	"image/webp":  ".webp",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/ogg":   ".ogg",
}

var defaultExtensions = map[models.ContentKind]string{
	models.ContentImage: ".jpg",
	models.ContentAudio: ".mp3",
}

// FileStore пишет файлы в каталог и строит URL от публичного базового адреса.
type FileStore struct {
	fs      afero.Fs
	root    string
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

var _ Store = (*FileStore)(nil)

func NewFileStore(fs afero.Fs, root, baseURL string, logger *zap.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("media save path (MEDIA_SAVE_PATH) is not configured")
	}
	if baseURL == "" {
		return nil, errors.New("media public base URL (MEDIA_PUBLIC_BASE_URL) is not configured")
	}
	for _, dir := range []string{"images", "audio"} {
		if err := fs.MkdirAll(path.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог медиа %s: %w", dir, err)
		}
	}
	return &FileStore{
		fs:      fs,
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("MediaStore"),
		now:     time.Now,
	}, nil
}

// Save сохраняет данные и возвращает публичный URL.
// Если провайдер вернул только внешнюю ссылку, она возвращается как есть.
func (s *FileStore) Save(ctx context.Context, owner models.EntityRef, content provider.Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(content.Data) == 0 {
		if content.URL != "" {
			return content.URL, nil
		}
		return "", ErrEmptyContent
	}

	dir := "images"
	if content.Kind == models.ContentAudio {
		dir = "audio"
	}
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(strings.Split(content.MIMEType, ";")[0]))]
	if !ok {
		ext = defaultExtensions[content.Kind]
	}
	// Уникальное имя: повторная генерация не перетирает прежний файл.
	fileName := fmt.Sprintf("%s-%s-%d%s", owner.Type, owner.ID, s.now().UnixNano(), ext)
	if owner.ID == uuid.Nil {
		fileName = uuid.NewString() + ext
	}
	filePath := path.Join(s.root, dir, fileName)

	if err := afero.WriteFile(s.fs, filePath, content.Data, 0o644); err != nil {
		s.logger.Error("Failed to save media file", zap.String("path", filePath), zap.Error(err))
		return "", fmt.Errorf("ошибка сохранения файла %s: %w", fileName, err)
	}

	publicURL, err := url.JoinPath(s.baseURL, dir, fileName)
	if err != nil {
		return "", fmt.Errorf("ошибка формирования URL: %w", err)
	}
	s.logger.Info("Media saved",
		zap.String("owner", owner.String()),
		zap.String("path", filePath),
		zap.Int("sizeBytes", len(content.Data)),
		zap.String("url", publicURL),
	)
	return publicURL, nil
}
