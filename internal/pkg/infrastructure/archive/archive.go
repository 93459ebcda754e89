package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/klauspost/compress/gzip"
)

// Archiver compresses fully delivered buffer generations to cold
// storage. The source file is removed only after the artifact has been
// written and closed, so a failed archive never loses data.
type Archiver interface {
	Archive(ctx context.Context, generationPath string) (string, error)
}

func New(archiveDir string) (Archiver, error) {
	err := os.MkdirAll(archiveDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create archive directory %s: %w", archiveDir, err)
	}

	return &archiver{dir: archiveDir}, nil
}

type archiver struct {
	dir string
}

func (a *archiver) Archive(ctx context.Context, generationPath string) (string, error) {
	log := logging.GetLoggerFromContext(ctx)

	timestamp := sanitizeTimestamp(time.Now().UTC().Format(time.RFC3339))
	artifactPath := filepath.Join(a.dir, fmt.Sprintf("telemetry_%s.json.gz", timestamp))

	err := compressFile(generationPath, artifactPath)
	if err != nil {
		log.Error().Err(err).Str("generation", generationPath).Msg("failed to archive generation")
		return "", err
	}

	err = os.Remove(generationPath)
	if err != nil {
		log.Error().Err(err).Str("generation", generationPath).Msg("failed to remove archived generation")
		return "", err
	}

	log.Info().Str("artifact", artifactPath).Msg("generation archived")

	return artifactPath, nil
}

func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("could not open generation %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("could not create archive %s: %w", dstPath, err)
	}

	gz := gzip.NewWriter(dst)

	_, err = io.Copy(gz, src)
	if err == nil {
		err = gz.Close()
	}
	if err == nil {
		err = dst.Close()
	}

	if err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("could not compress %s: %w", srcPath, err)
	}

	return nil
}

func sanitizeTimestamp(timestamp string) string {
	timestamp = strings.ReplaceAll(timestamp, ":", "-")
	timestamp = strings.ReplaceAll(timestamp, "+", "_plus_")
	return timestamp
}
