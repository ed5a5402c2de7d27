package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/manifest"
)

// localEncodings is the lookup order for manifest files.
var localEncodings = []manifest.Encoding{manifest.EncodingJSON, manifest.EncodingYAML}

// Local loads `<domain>.json`, then `<domain>.yaml`, from Dir.
type Local struct {
	Dir    string
	Logger *zap.Logger
}

func (l *Local) Load(ctx context.Context, domain string) (*manifest.Manifest, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, enc := range localEncodings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(l.Dir, domain+enc.Extension())

		content, err := os.ReadFile(path)
		if err != nil {
			logger.Debug("No local manifest", zap.String("path", path), zap.Error(err))
			continue
		}

		m, err := manifest.Decode(content, enc)
		if errors.Is(err, manifest.ErrNotManifest) {
			logger.Debug("Local file is not a manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		logger.Info("Loaded local manifest", zap.String("path", path), zap.Stringer("encoding", enc))
		return m, nil
	}
	return nil, manifest.ErrNotFound
}
