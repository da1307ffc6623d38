package filestore

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

const ArchiveSuffix = ".gz"

// ArchiveSegment compresses a closed wal segment next to itself and removes the
// original. It returns the archive path.
func ArchiveSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open segment: %w", err)
	}
	defer src.Close()

	archivePath := path + ArchiveSuffix
	dst, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	gzWriter := pgzip.NewWriter(dst)
	if _, err := io.Copy(gzWriter, src); err != nil {
		gzWriter.Close()
		dst.Close()
		return "", fmt.Errorf("failed to compress segment: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		dst.Close()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to remove archived segment: %w", err)
	}
	return archivePath, nil
}

func newArchiveReader(r io.Reader) (io.ReadCloser, error) {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return gz, nil
}

// CloseAndArchive closes the wal and compresses every plain segment it holds.
func (w *BatchWAL) CloseAndArchive() ([]string, error) {
	if err := w.Close(); err != nil {
		return nil, err
	}

	segments, err := w.Segments()
	if err != nil {
		return nil, err
	}

	var archived []string
	for _, seg := range segments {
		if strings.HasSuffix(seg, ArchiveSuffix) {
			continue
		}
		out, err := ArchiveSegment(seg)
		if err != nil {
			return archived, err
		}
		w.log.Info("Archived wal segment", map[string]interface{}{
			"segment": seg,
			"archive": out,
		})
		archived = append(archived, out)
	}
	return archived, nil
}

// ArchiveClosedSegments compresses every plain segment except the one currently
// open for writing. The wal stays usable; writes wait until it is done.
func (w *BatchWAL) ArchiveClosedSegments() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := ""
	if w.file != nil {
		current = SegmentPath(w.dir, w.currentDay)
	}

	segments, err := w.Segments()
	if err != nil {
		return nil, err
	}

	var archived []string
	for _, seg := range segments {
		if seg == current || strings.HasSuffix(seg, ArchiveSuffix) {
			continue
		}
		out, err := ArchiveSegment(seg)
		if err != nil {
			return archived, err
		}
		archived = append(archived, out)
	}
	return archived, nil
}
